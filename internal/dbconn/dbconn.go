// Package dbconn opens the MySQL connections the sync core needs: a
// dedicated introspection connection per task, independent of whatever
// connection the replication client keeps internally.
package dbconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	customTLSConfigName   = "rowsync-custom"
	requiredTLSConfigName = "rowsync-required"
	verifyCATLSConfigName = "rowsync-verify-ca"
	verifyIDTLSConfigName = "rowsync-verify-identity"
	maxConnLifetime       = time.Minute * 3
	maxIdleConns          = 5
)

var rdsAddr = regexp.MustCompile(`\.rds\.amazonaws\.com(:\d+)?$`)

// IsRDSHost reports whether host looks like an Amazon RDS endpoint.
func IsRDSHost(host string) bool {
	return rdsAddr.MatchString(host)
}

// Config holds the connection-shaping knobs a task config may set. Zero
// value is a sane, unencrypted local default.
type Config struct {
	TLSMode                  string // DISABLED, PREFERRED, REQUIRED, VERIFY_CA, VERIFY_IDENTITY
	TLSCertificatePath       string
	InnodbLockWaitTimeout    int
	LockWaitTimeout          int
	RangeOptimizerMaxMemSize int64
	MaxOpenConnections       int
	InterpolateParams        bool
}

// DefaultConfig mirrors the conservative defaults the introspection and
// replication connections both want.
func DefaultConfig() *Config {
	return &Config{
		TLSMode:                  "PREFERRED",
		InnodbLockWaitTimeout:    3,
		LockWaitTimeout:          30,
		RangeOptimizerMaxMemSize: 8 * 1024 * 1024,
		MaxOpenConnections:       4,
		InterpolateParams:        true,
	}
}

func newTLSConfig(certData []byte, mode string) *tls.Config {
	var pool *x509.CertPool
	if len(certData) > 0 {
		pool = x509.NewCertPool()
		pool.AppendCertsFromPEM(certData)
	} else if sys, err := x509.SystemCertPool(); err == nil {
		pool = sys
	} else {
		pool = x509.NewCertPool()
	}
	switch strings.ToUpper(mode) {
	case "DISABLED":
		return nil
	case "REQUIRED":
		return &tls.Config{RootCAs: pool, InsecureSkipVerify: true}
	case "VERIFY_CA":
		return &tls.Config{
			RootCAs:            pool,
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return fmt.Errorf("dbconn: no certificates presented")
				}
				leaf, err := x509.ParseCertificate(rawCerts[0])
				if err != nil {
					return fmt.Errorf("dbconn: parse certificate: %w", err)
				}
				intermediates := x509.NewCertPool()
				for _, raw := range rawCerts[1:] {
					cert, err := x509.ParseCertificate(raw)
					if err != nil {
						return fmt.Errorf("dbconn: parse intermediate: %w", err)
					}
					intermediates.AddCert(cert)
				}
				_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
				return err
			},
		}
	case "VERIFY_IDENTITY":
		return &tls.Config{RootCAs: pool, InsecureSkipVerify: false}
	default: // PREFERRED and anything unrecognized
		return &tls.Config{InsecureSkipVerify: true}
	}
}

func tlsConfigName(mode string) string {
	switch strings.ToUpper(mode) {
	case "REQUIRED":
		return requiredTLSConfigName
	case "VERIFY_CA":
		return verifyCATLSConfigName
	case "VERIFY_IDENTITY":
		return verifyIDTLSConfigName
	default:
		return customTLSConfigName
	}
}

func registerTLS(cfg *Config) error {
	var certData []byte
	if cfg.TLSCertificatePath != "" {
		data, err := os.ReadFile(cfg.TLSCertificatePath)
		if err != nil {
			return fmt.Errorf("dbconn: read tls certificate: %w", err)
		}
		certData = data
	}
	tlsCfg := newTLSConfig(certData, cfg.TLSMode)
	if tlsCfg == nil {
		return nil
	}
	return mysql.RegisterTLSConfig(tlsConfigName(cfg.TLSMode), tlsCfg)
}

// buildDSN appends TLS and session-variable configuration to a bare DSN,
// the way the teacher's dbconn.newDSN standardizes connections before
// handing them to the replication/introspection layers.
func buildDSN(dsn string, cfg *Config) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("dbconn: parse dsn: %w", err)
	}
	if parsed.TLSConfig == "" && strings.ToUpper(cfg.TLSMode) != "DISABLED" {
		if err := registerTLS(cfg); err != nil {
			return "", err
		}
		parsed.TLSConfig = tlsConfigName(cfg.TLSMode)
	}
	if parsed.Params == nil {
		parsed.Params = make(map[string]string)
	}
	parsed.Params["sql_mode"] = `""`
	parsed.Params["time_zone"] = `"+00:00"`
	parsed.Params["innodb_lock_wait_timeout"] = strconv.Itoa(cfg.InnodbLockWaitTimeout)
	parsed.Params["lock_wait_timeout"] = strconv.Itoa(cfg.LockWaitTimeout)
	parsed.Params["range_optimizer_max_mem_size"] = strconv.FormatInt(cfg.RangeOptimizerMaxMemSize, 10)
	parsed.Params["charset"] = "utf8mb4"
	parsed.Collation = "utf8mb4_bin"
	parsed.InterpolateParams = cfg.InterpolateParams
	parsed.RejectReadOnly = true
	return parsed.FormatDSN(), nil
}

// Open builds a standardized DSN from inputDSN and opens+pings a *sql.DB
// sized for short-lived introspection work.
func Open(ctx context.Context, inputDSN string, cfg *Config) (*sql.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	dsn, err := buildDSN(inputDSN, cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(maxConnLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbconn: ping: %w", err)
	}
	return db, nil
}
