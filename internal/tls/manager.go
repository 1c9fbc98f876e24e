package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"portal-auth/internal/config"
	"portal-auth/internal/util"
)

var ErrNoCertificate = errors.New("no certificate available")

// TLSManager picks a server certificate: ACME first, then the configured key
// pair, then (outside production) a self-signed development certificate.
type TLSManager struct {
	server     config.ServerConfig
	production bool
	autoCert   *autocert.Manager

	mu       sync.Mutex
	fileCert *tls.Certificate
	devCert  *tls.Certificate
}

func NewTLSManager(server config.ServerConfig, environment string) *TLSManager {
	m := &TLSManager{
		server:     server,
		production: environment == "production",
	}

	if server.AutoCert && server.EnableTLS {
		m.setupAutoCert()
	}

	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.server.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.server.Domain),
		Cache:      autocert.DirCache(m.server.AutoCertDir),
		Email:      m.server.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.server.Domain),
		zap.String("cache_dir", m.server.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert lookup failed", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server.CertFile != "" && m.server.KeyFile != "" {
		if m.fileCert == nil {
			cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile)
			if err != nil {
				util.Error("Failed to load certificate files", zap.Error(err))
			} else {
				m.fileCert = &cert
			}
		}
		if m.fileCert != nil {
			return m.fileCert, nil
		}
	}

	if m.production {
		return nil, ErrNoCertificate
	}

	if m.devCert == nil {
		hosts := []string{m.server.Domain, "localhost", "127.0.0.1", "::1"}
		cert, err := NewDevCertGenerator(m.server.AutoCertDir).GenerateCert(hosts)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		m.devCert = &cert
	}
	return m.devCert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// GetAutocertManager returns nil unless ACME is configured; the server uses
// it to answer HTTP-01 challenges.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
