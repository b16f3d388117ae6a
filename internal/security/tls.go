package security

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
)

// TLSConfig names the PEM files for the HTTP and gRPC listeners and the CLI.
type TLSConfig struct {
    CertFile          string
    KeyFile           string
    CAFile            string
    RequireClientAuth bool
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
    return c.CertFile != "" && c.KeyFile != ""
}

func loadPool(path string) (*x509.CertPool, error) {
    data, err := os.ReadFile(path)
    if err != nil {
        return nil, fmt.Errorf("read CA certificate: %w", err)
    }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(data) {
        return nil, errors.New("failed to parse CA certificate")
    }
    return pool, nil
}

// ServerConfig builds a TLS 1.3 server config, with mutual TLS when a CA
// file is set and client auth is required.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
    cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
    if err != nil {
        return nil, fmt.Errorf("load server certificate and key: %w", err)
    }

    tlsCfg := &tls.Config{
        Certificates: []tls.Certificate{cert},
        MinVersion:   tls.VersionTLS13,
        ClientAuth:   tls.NoClientCert,
    }
    if c.CAFile != "" {
        pool, err := loadPool(c.CAFile)
        if err != nil {
            return nil, err
        }
        tlsCfg.ClientCAs = pool
        if c.RequireClientAuth {
            tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
        }
    } else if c.RequireClientAuth {
        return nil, errors.New("client auth requires a CA file")
    }
    return tlsCfg, nil
}

// ClientConfig builds the config used to dial a TLS server. The client
// certificate is optional.
func (c TLSConfig) ClientConfig(serverName string) (*tls.Config, error) {
    tlsCfg := &tls.Config{
        MinVersion: tls.VersionTLS13,
        ServerName: serverName,
    }
    if c.Enabled() {
        cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
        if err != nil {
            return nil, fmt.Errorf("load client certificate and key: %w", err)
        }
        tlsCfg.Certificates = []tls.Certificate{cert}
    }
    if c.CAFile != "" {
        pool, err := loadPool(c.CAFile)
        if err != nil {
            return nil, err
        }
        tlsCfg.RootCAs = pool
    }
    return tlsCfg, nil
}
