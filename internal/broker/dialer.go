package broker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/yardcore/yardcore/internal/config"
)

// Brokers splits the comma separated broker list.
func Brokers(cfg config.BrokerConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TLSConfig builds the TLS settings for SSL and SASL_SSL; nil otherwise.
func TLSConfig(cfg config.BrokerConfig) (*tls.Config, error) {
	proto := strings.ToUpper(cfg.SecurityProtocol)
	if proto != "SSL" && proto != "SASL_SSL" {
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("load CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("bad CA PEM")
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// SASLMechanism builds the SASL mechanism; nil when unauthenticated.
func SASLMechanism(cfg config.BrokerConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "":
		proto := strings.ToUpper(cfg.SecurityProtocol)
		if proto == "SASL_SSL" || proto == "SASL_PLAINTEXT" {
			return nil, fmt.Errorf("missing sasl mechanism for security protocol %s", proto)
		}
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism: %s", cfg.SASLMechanism)
	}
}

// NewDialer builds the dialer used by consumers.
func NewDialer(cfg config.BrokerConfig) (*kafka.Dialer, error) {
	tlsConf, err := TLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	mech, err := SASLMechanism(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       8 * time.Second,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}, nil
}

// newKafkaTransport builds the transport used by the writer and admin client.
func newKafkaTransport(cfg config.BrokerConfig) (*kafka.Transport, error) {
	tlsConf, err := TLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	mech, err := SASLMechanism(cfg)
	if err != nil {
		return nil, fmt.Errorf("sasl config: %w", err)
	}
	return &kafka.Transport{
		TLS:         tlsConf,
		SASL:        mech,
		DialTimeout: 8 * time.Second,
	}, nil
}
