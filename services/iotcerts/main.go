package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/certs"
	"github.com/relabs-tech/iotcerts/iot/console"
	"github.com/relabs-tech/iotcerts/iot/device"
	"github.com/relabs-tech/iotcerts/iot/registry"
)

// Service holds the configuration for this service
//
// use IOTHUB_CONNECTION_STRING="HostName=myhub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=..."
type Service struct {
	ConnectionString string `env:"IOTHUB_CONNECTION_STRING" description:"the service connection string of the IoT hub"`
	LogLevel         string `env:"LOG_LEVEL,default=warn" description:"the log level"`
	Transport        string `env:"IOTHUB_TRANSPORT,default=mqtt" description:"the device transport, mqtt or https"`
	CACertFile       string `env:"IOTHUB_CA_CERT" description:"a PEM file with additional trusted server certificates, e.g. of the emulator"`
	Port             int    `env:"IOTHUB_DEVICE_PORT" description:"overrides the default port of the device transport"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(service, os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(service *Service, in io.Reader, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "iotcerts [connection string]",
		Short:         "Add devices with symmetric keys or X.509 certificates to an IoT hub",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), service, args, in, out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&service.LogLevel, "log-level", service.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&service.Transport, "transport", service.Transport, "device transport (mqtt, https)")
	flags.StringVar(&service.CACertFile, "ca-cert", service.CACertFile, "PEM file with additional trusted server certificates")
	flags.IntVar(&service.Port, "port", service.Port, "port of the device transport, 0 for the default")
	return cmd
}

func run(ctx context.Context, service *Service, args []string, in io.Reader, out io.Writer) error {
	logger.InitLoggerFromString(service.LogLevel)

	transport, err := device.ParseTransport(service.Transport)
	if err != nil {
		return err
	}
	rootCAs, err := loadRootCAs(service.CACertFile)
	if err != nil {
		return err
	}

	term := console.NewTerminal(in, out)
	console.PrintBanner(term)
	session, err := console.Bootstrap(term, args, service.ConnectionString)
	if errors.Is(err, console.ErrNoConnectionString) {
		return err
	}
	if err != nil {
		term.Println("Cannot use the connection string: " + err.Error())
		return err
	}

	registries := func(connectionString string) (registry.Registry, error) {
		client, err := registry.NewClientFromString(connectionString)
		if err != nil {
			return nil, err
		}
		if rootCAs != nil {
			client = client.WithRootCAs(rootCAs)
		}
		return client, nil
	}
	connector := device.NewDialer(&device.Builder{
		Transport: transport,
		RootCAs:   rootCAs,
		Port:      service.Port,
	})

	return console.New(term, session, registries, connector).Run(ctx)
}

// loadRootCAs returns the system pool extended by the certificates of the file, or nil
// without a file
func loadRootCAs(file string) (*x509.CertPool, error) {
	if len(file) == 0 {
		return nil, nil
	}
	data, err := certs.LoadFile(file)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no PEM certificates in %s", file)
	}
	return pool, nil
}
