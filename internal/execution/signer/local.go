package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

const (
	EnvPrivateKey           = "ROUTEX_PRIVATE_KEY"
	EnvPrivateKeyFile       = "ROUTEX_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "ROUTEX_KEYSTORE_PATH"
	EnvKeystorePassword     = "ROUTEX_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "ROUTEX_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultKeyRelativePath = "routex/key.hex"
	defaultKeyHintPath     = "~/.config/routex/key.hex"
)

// LocalSigner signs with an in-memory secp256k1 key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func FromPrivateKey(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// KeyMaterial lists every place a key can come from. At most one of them is
// used, in field order.
type KeyMaterial struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// Load resolves a signer for source. A non-empty privateKeyOverride (the
// --private-key flag) wins over every environment setting.
func Load(source, privateKeyOverride string) (*LocalSigner, error) {
	material, err := materialFor(source, privateKeyOverride)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(material)
}

func materialFor(source, privateKeyOverride string) (KeyMaterial, error) {
	if override := strings.TrimSpace(privateKeyOverride); override != "" {
		return KeyMaterial{PrivateKeyHex: override}, nil
	}
	env := KeyMaterial{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if env.PrivateKeyFile == "" {
		env.PrivateKeyFile = discoverDefaultKeyFile()
	}

	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
		return env, nil
	case KeySourceEnv:
		return KeyMaterial{PrivateKeyHex: env.PrivateKeyHex}, nil
	case KeySourceFile:
		return KeyMaterial{PrivateKeyFile: env.PrivateKeyFile}, nil
	case KeySourceKeystore:
		return KeyMaterial{
			KeystorePath:         env.KeystorePath,
			KeystorePassword:     env.KeystorePassword,
			KeystorePasswordFile: env.KeystorePasswordFile,
		}, nil
	}
	return KeyMaterial{}, clierr.New(clierr.CodeValidation, fmt.Sprintf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore))
}

func NewLocalSigner(m KeyMaterial) (*LocalSigner, error) {
	key, err := loadKey(m)
	if err != nil {
		return nil, err
	}
	return FromPrivateKey(key), nil
}

func loadKey(m KeyMaterial) (*ecdsa.PrivateKey, error) {
	switch {
	case m.PrivateKeyHex != "":
		return parseHexKey(m.PrivateKeyHex)
	case m.PrivateKeyFile != "":
		buf, err := os.ReadFile(m.PrivateKeyFile)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeAuth, "read private key file", err)
		}
		return parseHexKey(string(buf))
	case m.KeystorePath != "":
		return decryptKeystore(m)
	}
	return nil, clierr.New(clierr.CodeAuth, fmt.Sprintf("missing signing key: pass --private-key, set %s, or write a hex key to %s", EnvPrivateKey, defaultKeyHintPath))
}

func decryptKeystore(m KeyMaterial) (*ecdsa.PrivateKey, error) {
	password := m.KeystorePassword
	if password == "" && m.KeystorePasswordFile != "" {
		buf, err := os.ReadFile(m.KeystorePasswordFile)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeAuth, "read keystore password file", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" {
		return nil, clierr.New(clierr.CodeAuth, "keystore password is required")
	}
	buf, err := os.ReadFile(m.KeystorePath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeAuth, "read keystore file", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeAuth, "decrypt keystore", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, clierr.New(clierr.CodeAuth, "empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeAuth, "parse private key", err)
	}
	return key, nil
}

func defaultKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultKeyRelativePath)
}

func discoverDefaultKeyFile() string {
	path := defaultKeyPath()
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
