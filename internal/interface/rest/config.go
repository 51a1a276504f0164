package restservice

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/Sats-Terminal/spark-bridge-backend/pkg/servertls"
)

const tlsFolder = "tls"

// Config shapes one HTTP surface of a daemon. AdminToken only matters for
// the gateway, an empty token disables the admin endpoints.
type Config struct {
	Datadir         string
	Port            uint32
	NoTLS           bool
	TLSExtraIPs     []string
	TLSExtraDomains []string
	AdminToken      string
}

func (c Config) Validate() error {
	lis, err := net.Listen("tcp", c.address())
	if err != nil {
		return fmt.Errorf("invalid port: %s", err)
	}
	// nolint:all
	defer lis.Close()

	if !c.NoTLS {
		tlsDir := c.tlsDatadir()
		tlsKeyExists := pathExists(servertls.KeyPath(tlsDir))
		tlsCertExists := pathExists(servertls.CertPath(tlsDir))
		if !tlsKeyExists && tlsCertExists {
			return fmt.Errorf(
				"found a cert file but the key is missing, delete the cert in "+
					"path %s to make the daemon recreate both files", tlsDir,
			)
		}

		for _, ip := range c.TLSExtraIPs {
			if net.ParseIP(ip) == nil {
				return fmt.Errorf("invalid operator extra ip %s", ip)
			}
		}
	}
	return nil
}

func (c Config) insecure() bool {
	return c.NoTLS
}

func (c Config) address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) tlsDatadir() string {
	return filepath.Join(c.Datadir, tlsFolder)
}

func pathExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}
