package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"abuse-shield/internal/config"
	"abuse-shield/internal/util"
)

// PreparedStatements holds the prepared statements used by the block repository
type PreparedStatements struct {
	UpsertBlock     *gocql.Query
	GetBlock        *gocql.Query
	ExtendBlock     *gocql.Query
	DeactivateBlock *gocql.Query
	ListByBucket    *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.UpsertBlock = s.Session.Query(`
        INSERT INTO block_records (
            bucket, identifier_hash, identifier_encrypted, encrypted_dek, key_id,
            reason, attempts, is_active, created_at, expires_at, unblocked_by, unblocked_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetBlock = s.Session.Query(`
        SELECT bucket, identifier_hash, identifier_encrypted, encrypted_dek, key_id,
            reason, attempts, is_active, created_at, expires_at, unblocked_by, unblocked_at
        FROM block_records WHERE bucket = ? AND identifier_hash = ?`)

	prepared.ExtendBlock = s.Session.Query(`
        UPDATE block_records SET attempts = ?, expires_at = ?, reason = ?, is_active = ?
        WHERE bucket = ? AND identifier_hash = ?`)

	prepared.DeactivateBlock = s.Session.Query(`
        UPDATE block_records SET is_active = ?, unblocked_by = ?, unblocked_at = ?
        WHERE bucket = ? AND identifier_hash = ?`)

	prepared.ListByBucket = s.Session.Query(`
        SELECT bucket, identifier_hash, identifier_encrypted, encrypted_dek, key_id,
            reason, attempts, is_active, created_at, expires_at, unblocked_by, unblocked_at
        FROM block_records WHERE bucket = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("Block record prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
