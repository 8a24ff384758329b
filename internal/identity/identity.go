// Package identity manages the gateway's persistent identity: the uuid,
// passphrase and MAC address it presents when registering with the Arrow
// service. Identity survives restarts through a small TOML state file so
// the service keeps recognizing the same gateway.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// PassphraseSize is the length of the registration passphrase.
const PassphraseSize = 16

// Identity is the material a gateway registers with.
type Identity struct {
	UUID       uuid.UUID
	Passphrase [PassphraseSize]byte
	MAC        net.HardwareAddr
}

// Generate creates a fresh identity: random uuid, cryptographically random
// passphrase, and the MAC of the primary network interface (zero MAC when
// the host has none).
func Generate() (*Identity, error) {
	var pass [PassphraseSize]byte
	if _, err := rand.Read(pass[:]); err != nil {
		return nil, err
	}
	return &Identity{
		UUID:       uuid.New(),
		Passphrase: pass,
		MAC:        primaryMAC(),
	}, nil
}

// primaryMAC returns the hardware address of the first non-loopback
// interface that has one.
func primaryMAC() net.HardwareAddr {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(ifc.HardwareAddr) >= 6 {
				return ifc.HardwareAddr
			}
		}
	}
	return make(net.HardwareAddr, 6)
}

// MAC6 returns the first six bytes of the MAC in the fixed form REGISTER
// carries, zero-padded when the interface address is shorter.
func (id *Identity) MAC6() [6]byte {
	var m [6]byte
	copy(m[:], id.MAC)
	return m
}

type identityFile struct {
	UUID       string `toml:"uuid"`
	Passphrase string `toml:"passphrase"`
	MAC        string `toml:"mac"`
}

// Save writes the identity to a TOML state file readable only by the
// owner.
func (id *Identity) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	var buf strings.Builder
	file := identityFile{
		UUID:       id.UUID.String(),
		Passphrase: hex.EncodeToString(id.Passphrase[:]),
		MAC:        id.MAC.String(),
	}
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(buf.String()), 0o600)
}

// Load reads an identity state file written by Save.
func Load(path string) (*Identity, error) {
	var raw identityFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, err
	}

	u, err := uuid.Parse(raw.UUID)
	if err != nil {
		return nil, fmt.Errorf("identity uuid: %w", err)
	}
	pass, err := hex.DecodeString(raw.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity passphrase: %w", err)
	}
	if len(pass) != PassphraseSize {
		return nil, fmt.Errorf("identity passphrase: %d bytes, want %d", len(pass), PassphraseSize)
	}

	mac := make(net.HardwareAddr, 6)
	if raw.MAC != "" {
		mac, err = net.ParseMAC(raw.MAC)
		if err != nil {
			return nil, fmt.Errorf("identity mac: %w", err)
		}
	}

	id := &Identity{UUID: u, MAC: mac}
	copy(id.Passphrase[:], pass)
	return id, nil
}

// LoadOrGenerate loads the identity at path, generating and saving a fresh
// one when the file does not exist yet. Any other load failure is returned
// as-is; a corrupt identity file is never replaced.
func LoadOrGenerate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}
