/*Package console is the interactive front end of the device provisioning workflows

It reads commands line by line

	add       add a device with symmetric keys or X.509 certificates
	delete    delete the first 1000 devices of the registry
	exit      quit

and translates prompts and answers into calls of package provision.
*/
package console

import (
	"context"
	"strings"

	"github.com/relabs-tech/iotcerts/core/logger"
	"github.com/relabs-tech/iotcerts/iot/certs"
	"github.com/relabs-tech/iotcerts/iot/device"
	"github.com/relabs-tech/iotcerts/iot/provision"
	"github.com/relabs-tech/iotcerts/iot/registry"
)

// State is the state of the command loop
type State int

// the states of the command loop
const (
	Running State = iota
	Terminated
)

// RegistryFactory opens a registry for a connection string. The console opens a new
// registry for every command.
type RegistryFactory func(connectionString string) (registry.Registry, error)

// Console is the command loop of a session
type Console struct {
	term       *Terminal
	session    Session
	registries RegistryFactory
	connector  device.Connector
	state      State
}

// New returns a console in state Running
func New(term *Terminal, session Session, registries RegistryFactory, connector device.Connector) *Console {
	return &Console{
		term:       term,
		session:    session,
		registries: registries,
		connector:  connector,
		state:      Running,
	}
}

// State returns the state of the console
func (c *Console) State() State {
	return c.state
}

// Run reads and executes commands until exit or the end of the input
func (c *Console) Run(ctx context.Context) error {
	for c.state == Running {
		command, ok := c.term.Ask("Enter command (add | delete (all) | exit ) > ")
		if !ok {
			c.term.Println("Bye!")
			c.state = Terminated
			break
		}
		c.Execute(ctx, command)
	}
	return c.term.Err()
}

// Execute runs a single command. Commands are matched case-insensitively.
func (c *Console) Execute(ctx context.Context, command string) {
	command = strings.ToLower(strings.TrimSpace(command))
	ctx, rlog := logger.ContextWithCommand(ctx, command)
	switch command {
	case "add":
		c.add(ctx)
	case "delete":
		c.delete(ctx)
	case "exit":
		c.term.Println("Bye!")
		c.state = Terminated
	default:
		rlog.Debugln("invalid command")
		c.term.Println("Invalid command.")
	}
}

func (c *Console) provisioner(ctx context.Context) (*provision.Provisioner, bool) {
	reg, err := c.registries(c.session.ConnectionString)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot open registry")
		c.term.Println("Cannot open the device registry: " + err.Error())
		return nil, false
	}
	return provision.New(reg, c.connector, c.session.Hostname), true
}

func (c *Console) delete(ctx context.Context) {
	c.term.Println("This will delete the first 1000 devices found in the IoT Hub registry.")
	c.term.Println("You will have to run this operation multiple times if you have more than 1000")
	c.term.Println("devices in your IoT Hub registry!")
	yes, _ := c.term.Confirm("Enter y to confirm, anything else to abort> ", "y")
	if !yes {
		c.term.Println("Aborting delete")
		return
	}

	p, ok := c.provisioner(ctx)
	if !ok {
		return
	}
	result, err := p.DeleteAll(ctx)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("delete failed")
		c.term.Println("Cannot list devices: " + err.Error())
		return
	}
	if result.Err != nil {
		// any removal failure is reported the same way
		c.term.Println("No devices to delete")
		return
	}
	c.term.Println("Deletion completed")
}

func (c *Console) add(ctx context.Context) {
	c.term.Println("Add a new device")
	deviceID, _ := c.term.Ask("Enter your new device id or an existing device id to see its device key: ")
	if len(deviceID) == 0 {
		c.term.Println("A device id is required.")
		return
	}
	useCert, _ := c.term.Confirm("Would you like to associate X509 certificates with your device (y|n)? ", "y")

	// all answers are read before the registry is opened
	var primary, secondary certs.Pair
	if useCert {
		var err error
		primary, secondary, err = provision.ResolveCertificates(c.askCertChoice())
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("cannot load certificates")
			c.term.Println("Cannot load certificates: " + err.Error())
			return
		}
		c.term.Printf("Locally read Primary X509 Thumbprint %s\n", primary.Thumbprint())
		c.term.Printf("Locally read Secondary X509 Thumbprint %s\n", secondary.Thumbprint())
	}

	p, ok := c.provisioner(ctx)
	if !ok {
		return
	}

	var result provision.Result
	var err error
	if useCert {
		result, err = p.AddX509(ctx, deviceID, primary, secondary)
	} else {
		result, err = p.AddSymmetric(ctx, deviceID)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("add failed")
		c.term.Println("Cannot add device: " + err.Error())
		return
	}
	c.report(result)
}

func (c *Console) askCertChoice() provision.CertChoice {
	c.term.Println("We've embedded primary and secondary certificate files (crt and pfx) into this app")
	c.term.Println("to make this demo easy.  But you can specify your own crt and pfx files.")
	embedded, _ := c.term.Confirm("Use the embedded certificates (y|n)? ", "y")
	if embedded {
		return provision.CertChoice{Embedded: true}
	}

	var choice provision.CertChoice
	choice.PrimaryCRT, _ = c.term.Ask("Primary certificate CRT filename (i.e. primary.crt): ")
	choice.PrimaryPFX, _ = c.term.Ask("Primary certificate PFX filename (i.e. primary.pfx): ")
	noSecondary, _ := c.term.Confirm("Want to provide a secondary certificate (y|n)? ", "n")
	if noSecondary {
		c.term.Println("OK.  We'll just make your secondary certificate the same as your primary")
		return choice
	}
	choice.Secondary = true
	choice.SecondaryCRT, _ = c.term.Ask("Secondary certificate CRT filename (i.e. secondary.crt): ")
	choice.SecondaryPFX, _ = c.term.Ask("Secondary certificate PFX filename (i.e. secondary.pfx): ")
	return choice
}

func (c *Console) report(result provision.Result) {
	if !result.Created {
		if result.AttemptedKind == registry.KindX509 {
			c.term.Println("Device with this id exists " + result.Device.DeviceID)
		} else {
			c.term.Println("Device with this ID already exists " + result.Device.DeviceID)
		}
		if result.KindMismatch() {
			if result.ExistingKind == registry.KindX509 {
				c.term.Println("Device was previously registered using X509 certificates and not symmetric keys")
			} else {
				c.term.Println("Device was previously registered using symmetric keys and not X509 certificates")
			}
		}
		c.showCredentials(result.Device)
		return
	}

	c.term.Println("Device added " + result.Device.DeviceID)
	c.showCredentials(result.Device)
	c.term.Println("You've added a new device.  We'll now try to send a telemetry message")
	if result.SendErr != nil {
		c.term.Println("Exception upon sending message is " + result.SendErr.Error())
	} else {
		c.term.Println("Telemetry message sent!")
	}
	c.term.Println("Azure IoT Hub has associated this unique value (Generation ID) with your device: " + result.Device.GenerationID)
}

func (c *Console) showCredentials(d registry.Device) {
	if d.Kind() == registry.KindX509 {
		c.term.Println("Your certificate thumbprints as retrieved from Azure are: " + d.PrimaryThumbprint() + " " + d.SecondaryThumbprint())
		return
	}
	c.term.Println("Your device keys as retrieved from Azure are: " + d.PrimaryKey() + " " + d.SecondaryKey())
}
