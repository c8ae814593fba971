// Package db provides an optional, purely observational sink for
// execution records. The agent's decisions never read from it — the
// executor only writes records and never reads them back (see
// internal/executor) — it exists so operators can query backrun
// history after the process exits, adapted from the teacher's
// gorm/MySQL-backed snapshot recorder that used to live in this package.
package db

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	reflexagent "github.com/reflex-mev/agent"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ExecutionRecordRow is the database model for reflexagent.ExecutionRecord.
type ExecutionRecordRow struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	PoolAddress      string    `gorm:"index;not null"`
	TxHash           string    `gorm:"index;not null"`
	SubmittedAtUnixS int64     `gorm:"not null"`
	Status           string    `gorm:"not null"`
	GasUsed          uint64    `gorm:"not null"`
	Profit           string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	ProfitToken      string    `gorm:"not null"`
	FailureReason    string    `gorm:"type:varchar(512)"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (ExecutionRecordRow) TableName() string {
	return "execution_records"
}

// MySQLExecutionSink persists execution records using GORM and MySQL.
// It satisfies internal/executor's Recorder interface.
type MySQLExecutionSink struct {
	db *gorm.DB
}

// NewMySQLExecutionSink opens dsn and migrates the execution_records table.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLExecutionSink(dsn string) (*MySQLExecutionSink, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return NewMySQLExecutionSinkWithDB(db)
}

// NewMySQLExecutionSinkWithDB wraps an existing GORM DB instance.
func NewMySQLExecutionSinkWithDB(db *gorm.DB) (*MySQLExecutionSink, error) {
	if err := db.AutoMigrate(&ExecutionRecordRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &MySQLExecutionSink{db: db}, nil
}

// RecordExecution writes one execution record. The executor calls it
// synchronously, inside SubmitBackrun, once the outcome is known.
func (s *MySQLExecutionSink) RecordExecution(rec reflexagent.ExecutionRecord) error {
	var gasUsed uint64
	if rec.GasUsed != nil {
		gasUsed = *rec.GasUsed
	}
	var profitToken common.Address
	if rec.ProfitToken != nil {
		profitToken = *rec.ProfitToken
	}
	row := ExecutionRecordRow{
		PoolAddress:      rec.PoolAddress.Hex(),
		TxHash:           rec.TxHash.Hex(),
		SubmittedAtUnixS: rec.SubmittedAtUnixS,
		Status:           string(rec.Status),
		GasUsed:          gasUsed,
		Profit:           bigIntToString(rec.Profit),
		ProfitToken:      profitToken.Hex(),
		FailureReason:    rec.FailureReason,
	}
	if result := s.db.Create(&row); result.Error != nil {
		return fmt.Errorf("failed to record execution: %w", result.Error)
	}
	return nil
}

// CountRecords returns the total number of persisted execution records.
func (s *MySQLExecutionSink) CountRecords() (int64, error) {
	var count int64
	if result := s.db.Model(&ExecutionRecordRow{}).Count(&count); result.Error != nil {
		return 0, fmt.Errorf("failed to count execution records: %w", result.Error)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (s *MySQLExecutionSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

func bigIntToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
