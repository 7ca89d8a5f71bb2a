package console

import (
	"errors"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/hub"
)

// ErrNoConnectionString is returned by Bootstrap when no connection string was supplied
var ErrNoConnectionString = errors.New("no connection string")

// Session is the state shared by all commands of a console run
type Session struct {
	ConnectionString string
	Hostname         string
}

// PrintBanner writes the welcome text
func PrintBanner(t *Terminal) {
	t.Println("")
	t.Println("**************************************************")
	t.Println("*             Simple Azure IoT Certs             *")
	t.Println("**************************************************")
	t.Println("")
	t.Println("This app demonstrates how to add a device to your Azure IoT Hub's Registry.")
	t.Println("Optionally, you can associate X509 certificates with your device's registry entry,")
	t.Println("which you can then use for subsequent operations requiring authentication")
}

// Bootstrap determines the connection string of the session. The first argument wins over
// defaultConnectionString, and if both are empty the user is asked. Without any connection
// string, ErrNoConnectionString is returned and nothing else happens.
//
// Only the host name is derived from the connection string here; the rest is validated
// when a registry is opened.
func Bootstrap(t *Terminal, args []string, defaultConnectionString string) (Session, error) {
	connectionString := defaultConnectionString
	if len(args) > 0 && len(args[0]) > 0 {
		connectionString = args[0]
	}

	if len(connectionString) == 0 {
		t.Println("")
		t.Println("You need to supply a connection string to your Azure Iot Hub instance!")
		t.Println("You can do this with the environment variable IOTHUB_CONNECTION_STRING,")
		t.Println("supply it as a command line parameter (i.e. iotcerts <connection string>),")
		connectionString, _ = t.Ask("or enter it here: ")
		if len(connectionString) == 0 {
			t.Println("You can get your Azure IoT Hub connection string from the Azure Portal")
			t.Println("at https://portal.azure.com/ and then run this app again")
			return Session{}, ErrNoConnectionString
		}
	}

	hostname, err := hub.Hostname(connectionString)
	if err != nil {
		return Session{}, err
	}
	logger.Default().Debugln("iot hub hostname:", hostname)
	t.Println("********************************************************")
	t.Println(" IoT Hub Hostname is " + hostname)
	t.Println("********************************************************")
	return Session{ConnectionString: connectionString, Hostname: hostname}, nil
}
