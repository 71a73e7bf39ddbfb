// meshnetctl is the offline companion CLI to meshnetd: it generates
// WireGuard keypairs, optionally seals a private key at rest behind an
// interactively entered passphrase, and builds/validates the MeshConfig
// JSON file meshnetd's -config flag consumes.
//
// Grounded on the teacher's subcommand-dispatch main.go (os.Args[1]
// switch before flag.Parse of the remaining args) and its
// crypto/envelope.go AES-GCM sealing pattern, adapted here to encrypt a
// single private key file instead of a gossip announcement.
package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/quietmesh/meshnet/pkg/control"
	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

const defaultControlSocket = "/var/run/meshnet/meshnetd.sock"

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Println("meshnetctl " + version)
		return
	case "genkey":
		err = genkeyCmd(os.Args[2:])
	case "pubkey":
		err = pubkeyCmd(os.Args[2:])
	case "config":
		err = configCmd(os.Args[2:])
	case "unseal":
		err = unsealCmd(os.Args[2:])
	case "status":
		err = statusCmd(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnetctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`meshnetctl - meshnet key and config tool

SUBCOMMANDS:
  genkey [--encrypt]     Generate a new private key, printed base64 to stdout
                         (or, with --encrypt, sealed behind an interactively
                         entered passphrase, printed as a JSON envelope)
  pubkey                 Read a base64 private key from stdin, print its
                         base64 public key
  config init            Interactively build a MeshConfig JSON file
  config validate <file> Check that a file decodes as MeshConfig JSON
  unseal <file>          Decrypt a genkey --encrypt envelope, printing the
                         base64 private key (for $MESHNET_PRIVATE_KEY)
  status [socket]        Query a running meshnetd's status over its
                         control socket (default: ` + defaultControlSocket + `)`)
}

func genkeyCmd(args []string) error {
	encrypt := false
	for _, a := range args {
		if a == "--encrypt" {
			encrypt = true
		}
	}

	sk, err := wgcrypto.NewSecretKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	if !encrypt {
		fmt.Println(sk.String())
		return nil
	}

	fmt.Fprint(os.Stderr, "Enter passphrase to encrypt the new private key: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading passphrase: %w", err)
	}

	sealed, err := sealKey(sk, passphrase)
	if err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func pubkeyCmd(args []string) error {
	var line string
	if _, err := fmt.Scanln(&line); err != nil {
		return fmt.Errorf("reading private key from stdin: %w", err)
	}
	sk, err := wgcrypto.ParseSecretKey(line)
	if err != nil {
		return err
	}
	pk, err := wgcrypto.PublicKeyOf(sk)
	if err != nil {
		return err
	}
	fmt.Println(pk.String())
	return nil
}

func configCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: meshnetctl config init|validate <file>")
	}
	switch args[0] {
	case "init":
		return configInitCmd()
	case "validate":
		if len(args) < 2 {
			return fmt.Errorf("usage: meshnetctl config validate <file>")
		}
		return configValidateCmd(args[1])
	default:
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

// configInitCmd prompts for this node's own identity and writes a
// MeshConfig with no peers yet, ready for peers to be appended by
// re-running the daemon's directory sync or by hand.
func configInitCmd() error {
	fmt.Fprint(os.Stderr, "This node's public key (base64): ")
	var pubKeyStr string
	if _, err := fmt.Scanln(&pubKeyStr); err != nil {
		return fmt.Errorf("reading public key: %w", err)
	}
	pk, err := wgcrypto.ParsePublicKey(pubKeyStr)
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stderr, "Hostname: ")
	var hostname string
	if _, err := fmt.Scanln(&hostname); err != nil {
		return fmt.Errorf("reading hostname: %w", err)
	}

	cfg := meshtypes.MeshConfig{
		This: meshtypes.PeerBase{
			PublicKey: pk,
			Hostname:  hostname,
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func configValidateCmd(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg meshtypes.MeshConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := cfg.Validate(cfg.This.PublicKey); err != nil {
		return err
	}
	fmt.Printf("%s: valid, %d peer(s)\n", path, len(cfg.Peers))
	return nil
}

func statusCmd(args []string) error {
	socketPath := defaultControlSocket
	if len(args) > 0 {
		socketPath = args[0]
	}

	status, err := control.NewClient(socketPath).Status()
	if err != nil {
		return fmt.Errorf("querying %s: %w", socketPath, err)
	}

	fmt.Printf("pubkey:    %s\n", status.PublicKey)
	fmt.Printf("interface: %s\n", status.Interface)
	if status.ExitNode != "" {
		fmt.Printf("exit node: %s\n", status.ExitNode)
	}
	fmt.Printf("peers:     %d\n", len(status.Peers))
	for _, p := range status.Peers {
		exitTag := ""
		if p.IsExit {
			exitTag = " (exit)"
		}
		fmt.Printf("  %s  %-20s %v%s\n", p.PublicKey, p.Hostname, p.Addresses, exitTag)
	}
	return nil
}

// sealedKey is the JSON envelope written by genkey --encrypt: an
// AES-256-GCM ciphertext of the private key, keyed by a passphrase
// stretched through SHA-256 (a lightweight stand-in for the teacher's
// HKDF-derived gossip key in pkg/crypto/derive.go, since a single
// at-rest secret doesn't need HKDF's multi-key derivation).
type sealedKey struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func sealKey(sk wgcrypto.SecretKey, passphrase []byte) (sealedKey, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return sealedKey{}, err
	}
	key := deriveAESKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return sealedKey{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return sealedKey{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return sealedKey{}, err
	}

	ciphertext := gcm.Seal(nil, nonce, sk[:], nil)
	return sealedKey{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func deriveAESKey(passphrase, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(passphrase)
	return h.Sum(nil)
}

func unsealKey(sealed sealedKey, passphrase []byte) (wgcrypto.SecretKey, error) {
	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil {
		return wgcrypto.SecretKey{}, fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return wgcrypto.SecretKey{}, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return wgcrypto.SecretKey{}, fmt.Errorf("decoding ciphertext: %w", err)
	}

	key := deriveAESKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return wgcrypto.SecretKey{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return wgcrypto.SecretKey{}, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return wgcrypto.SecretKey{}, fmt.Errorf("wrong passphrase or corrupt envelope: %w", err)
	}
	if len(plaintext) != wgcrypto.KeySize {
		return wgcrypto.SecretKey{}, fmt.Errorf("unexpected decrypted key length %d", len(plaintext))
	}
	var sk wgcrypto.SecretKey
	copy(sk[:], plaintext)
	return sk, nil
}

func unsealCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: meshnetctl unseal <file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	var sealed sealedKey
	if err := json.Unmarshal(data, &sealed); err != nil {
		return fmt.Errorf("decoding %s: %w", args[0], err)
	}

	fmt.Fprint(os.Stderr, "Enter passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading passphrase: %w", err)
	}

	sk, err := unsealKey(sealed, passphrase)
	if err != nil {
		return err
	}
	fmt.Println(sk.String())
	return nil
}
