// Package tlsutil terminates TLS for the edge. The certificate pair is
// reloaded from disk whenever either file changes, so rotating the wildcard
// certificate needs no restart.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dskow/tenant-edge/internal/filewatch"
)

// CertLoader serves the current certificate to tls.Config.GetCertificate.
type CertLoader struct {
	cert     atomic.Pointer[tls.Certificate]
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *filewatch.Watcher
}

// New loads the pair and starts watching both files.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
	}
	if err := cl.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	w, err := filewatch.New("tls", []string{certFile, keyFile}, filewatch.DefaultDebounce,
		func() { _ = cl.Reload() }, logger)
	if err != nil {
		return nil, err
	}
	cl.watcher = w

	leaf := cl.cert.Load().Leaf
	logger.Info("TLS certificate loaded, watching for changes",
		"cert_file", certFile,
		"key_file", keyFile,
		"not_after", leaf.NotAfter,
	)
	return cl, nil
}

// GetCertificate is the tls.Config.GetCertificate callback.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cl.cert.Load(), nil
}

// Reload re-reads the pair. On failure the current certificate is kept.
func (cl *CertLoader) Reload() error {
	if err := cl.load(); err != nil {
		cl.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("TLS certificate reloaded",
		"cert_file", cl.certFile,
		"not_after", cl.cert.Load().Leaf.NotAfter,
	)
	return nil
}

// Stop ends the file watch. Safe to call more than once.
func (cl *CertLoader) Stop() {
	if cl.watcher != nil {
		cl.watcher.Stop()
	}
}

// CoversPlatform reports an error unless the certificate is valid for both
// the bare platform domain and its tenant subdomains.
func (cl *CertLoader) CoversPlatform(domain string) error {
	leaf := cl.cert.Load().Leaf
	for _, host := range []string{domain, "tenant-probe." + domain} {
		if err := leaf.VerifyHostname(host); err != nil {
			return fmt.Errorf("certificate does not cover %s: %w", host, err)
		}
	}
	return nil
}

// ServerConfig returns a tls.Config that serves this loader's certificate.
func (cl *CertLoader) ServerConfig(minVersion string) (*tls.Config, error) {
	v, err := ParseMinVersion(minVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:     v,
		GetCertificate: cl.GetCertificate,
	}, nil
}

// ParseMinVersion maps "1.2" or "1.3" to the crypto/tls constant. Empty
// means TLS 1.2.
func ParseMinVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS min_version %q (want 1.2 or 1.3)", s)
}

func (cl *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("parse leaf certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	cl.cert.Store(&cert)
	return nil
}
