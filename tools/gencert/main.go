package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relabs-tech/iotcerts/iot/certs"
)

var (
	names    = flag.String("names", "primary-embedded,secondary-embedded", "comma separated common names, one crt/pfx pair each")
	outDir   = flag.String("out", ".", "the output directory")
	password = flag.String("password", "", "the pfx password")
	validity = flag.Duration("validity", 10*365*24*time.Hour, "the validity of the certificates")
)

func main() {
	flag.Parse()
	for _, name := range strings.Split(*names, ",") {
		name = strings.TrimSpace(name)
		if len(name) == 0 {
			continue
		}
		thumbprint, err := writePair(*outDir, name, *password, *validity)
		if err != nil {
			panic(err)
		}
		fmt.Println(name, thumbprint)
	}
}

// writePair writes name.crt and name.pfx and returns the thumbprint
func writePair(dir, name, password string, validity time.Duration) (string, error) {
	cert, key, err := certs.Generate(name, validity)
	if err != nil {
		return "", err
	}
	pfx, err := certs.EncodePFX(cert, key, password)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certs.EncodePEM(cert), 0644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name+".pfx"), pfx, 0600); err != nil {
		return "", err
	}
	return certs.Thumbprint(cert), nil
}
