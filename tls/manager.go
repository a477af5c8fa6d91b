package tls

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Issuer creates a local CA and signs server certificates with it.
type Issuer interface {
	// Install makes the CA trusted by the host. It may prompt the user.
	Install() error
	// MakeCert writes a certificate pair for hosts into dir.
	MakeCert(hosts []string, dir string) (certFile, keyFile string, err error)
}

// TrustStore returns an Issuer backed by the OS trust stores, keeping the
// CA under caDir.
func TrustStore(caDir string) Issuer {
	return &trustStoreIssuer{caDir: caDir}
}

type trustStoreIssuer struct {
	caDir string
}

func (t *trustStoreIssuer) Install() error {
	if err := os.Setenv("CAROOT", t.caDir); err != nil {
		return err
	}
	lib, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}
	return lib.Install()
}

func (t *trustStoreIssuer) MakeCert(hosts []string, dir string) (string, string, error) {
	if err := os.Setenv("CAROOT", t.caDir); err != nil {
		return "", "", err
	}
	lib, err := truststore.NewLib()
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize truststore: %w", err)
	}
	cert, err := lib.MakeCert(hosts, dir)
	if err != nil {
		return "", "", err
	}
	return cert.CertFile, cert.KeyFile, nil
}

// Manager keeps a server certificate for the current LAN addresses under a
// config directory, regenerating it when the addresses change.
type Manager struct {
	fs     afero.Fs
	issuer Issuer
	hosts  func() ([]string, error)

	tlsDir     string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string
}

// NewManager creates a manager rooted at configDir. A nil issuer uses the
// OS trust stores.
func NewManager(fs afero.Fs, configDir string, issuer Issuer) *Manager {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	if issuer == nil {
		issuer = TrustStore(caDir)
	}
	return &Manager{
		fs:         fs,
		issuer:     issuer,
		hosts:      Hosts,
		tlsDir:     tlsDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
	}
}

// EnsureCertificates returns the certificate pair, issuing a new one when it
// is missing or was made for other hosts.
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	if err := m.fs.MkdirAll(m.tlsDir, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := m.hosts()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list LAN addresses")
	}
	log.Debug().Strs("hosts", hosts).Msg("certificate hosts")

	switch {
	case !m.certsExist():
		log.Info().Msg("no server certificate, issuing one")
	case m.hostsChanged(hosts):
		log.Info().Msg("network addresses changed, reissuing server certificate")
	default:
		return m.certFile, m.keyFile, nil
	}

	if err := m.issue(hosts); err != nil {
		return "", "", err
	}
	return m.certFile, m.keyFile, nil
}

func (m *Manager) issue(hosts []string) error {
	log.Info().Msg("installing local CA, the system may ask for a password")
	if err := m.issuer.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	cert, key, err := m.issuer.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	if cert != m.certFile {
		if err := m.fs.Rename(cert, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if key != m.keyFile {
		if err := m.fs.Rename(key, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		log.Warn().Err(err).Msg("failed to cache certificate hosts")
	}

	ev := log.Info().Str("cert", m.certFile)
	if fp, err := m.CAFingerprint(); err == nil {
		ev = ev.Str("ca_sha256", fp)
	}
	ev.Msg("server certificate issued")
	return nil
}

func (m *Manager) certsExist() bool {
	certOK, _ := afero.Exists(m.fs, m.certFile)
	keyOK, _ := afero.Exists(m.fs, m.keyFile)
	return certOK && keyOK
}

func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}
	a := slices.Clone(cached)
	b := slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readCachedHosts() ([]string, error) {
	data, err := afero.ReadFile(m.fs, m.hostsFile)
	if err != nil {
		return nil, err
	}
	var hosts []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if h := strings.TrimSpace(scanner.Text()); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return afero.WriteFile(m.fs, m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

// CACert returns the PEM encoded CA certificate.
func (m *Manager) CACert() ([]byte, error) {
	return afero.ReadFile(m.fs, m.caCertFile)
}

// CAFingerprint returns the SHA-256 fingerprint of the CA certificate as
// colon separated hex.
func (m *Manager) CAFingerprint() (string, error) {
	data, err := m.CACert()
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("failed to decode PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
