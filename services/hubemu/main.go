package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/iotcerts/core/csql"
	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/certs"
	"github.com/relabs-tech/iotcerts/iot/emulator"
	"github.com/relabs-tech/iotcerts/iot/store"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and HUBEMU_POLICY_KEY=$(head -c 32 /dev/urandom | base64)
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to access the Postgres DB"`
	Schema           string `env:"HUBEMU_SCHEMA,default=hubemu" description:"the database schema of the device registry"`
	HostName         string `env:"HUBEMU_HOSTNAME,default=localhost" description:"the host name devices and services connect to"`
	PolicyName       string `env:"HUBEMU_POLICY_NAME,default=iothubowner" description:"the name of the service policy"`
	PolicyKey        string `env:"HUBEMU_POLICY_KEY,required" description:"the base64 encoded key of the service policy"`
	HTTPSAddress     string `env:"HUBEMU_HTTPS_ADDRESS,default=:443" description:"listen address of the registry and telemetry api"`
	MQTTAddress      string `env:"HUBEMU_MQTT_ADDRESS,default=:8883" description:"listen address of the mqtt broker"`
	CertFile         string `env:"HUBEMU_CERT_FILE" description:"the server certificate, generated if empty"`
	KeyFile          string `env:"HUBEMU_KEY_FILE" description:"the private key of the server certificate"`
	CAOutFile        string `env:"HUBEMU_CA_OUT,default=hubemu-ca.pem" description:"where a generated server certificate is written for clients to trust"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLoggerFromString(service.LogLevel)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	serverCert := mustServerCertificate(service)

	router := mux.NewRouter()
	logger.AddRequestID(router)
	e := emulator.New(&emulator.Builder{
		Store:      store.New(db),
		Router:     router,
		HostName:   service.HostName,
		PolicyName: service.PolicyName,
		PolicyKey:  service.PolicyKey,
	})

	broker, err := emulator.NewBroker(&emulator.BrokerBuilder{
		Emulator:    e,
		Address:     service.MQTTAddress,
		Certificate: serverCert,
	})
	if err != nil {
		panic(err)
	}
	broker.Run()

	srv := &http.Server{
		Addr:    service.HTTPSAddress,
		Handler: handlers.LoggingHandler(os.Stdout, router),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{*serverCert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}
	go func() {
		rlog.Infoln("listen on", service.HTTPSAddress)
		if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Fatalln("https server failed")
		}
	}()
	rlog.Infoln("connection string:", e.ConnectionString())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	broker.Stop(ctx)
	rlog.Infoln("stopped")
}

// mustServerCertificate loads the configured server certificate, or generates a self-signed
// one for the host name and writes it to the CA output file
func mustServerCertificate(service *Service) *tls.Certificate {
	if len(service.CertFile) > 0 {
		crt, err := tls.LoadX509KeyPair(service.CertFile, service.KeyFile)
		if err != nil {
			panic(err)
		}
		return &crt
	}

	cert, key, err := certs.GenerateServer([]string{service.HostName, "127.0.0.1"}, 365*24*time.Hour)
	if err != nil {
		panic(err)
	}
	if err := os.WriteFile(service.CAOutFile, certs.EncodePEM(cert), 0644); err != nil {
		panic(err)
	}
	logger.Default().Infof("generated server certificate %s, trust it with IOTHUB_CA_CERT=%s",
		certs.Thumbprint(cert), service.CAOutFile)
	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}
}
