package providers

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/ahrav/go-llmrouter/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-llmrouter/internal/llm/errors"
)

// tlsConfig builds the client TLS settings shared by every transport.
func tlsConfig(cfg configuration.TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.VerifySSL {
		tc.InsecureSkipVerify = true // #nosec G402 -- opt-in for local routers with self-signed certs
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, llmerrors.Wrap(llmerrors.KindConfiguration, "read ca file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, llmerrors.New(llmerrors.KindConfiguration, "ca file contains no certificates")
		}
		tc.RootCAs = pool
	}
	return tc, nil
}
