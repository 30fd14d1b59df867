package datastore

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/birdcam-go/internal/conf"
)

// mysqlDSN builds the connection string. Times are stored and read as UTC.
func mysqlDSN(s conf.MySQLSettings) string {
	cfg := mysql.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	cfg.Timeout = 10 * time.Second
	return cfg.FormatDSN()
}

func mysqlDialector(s conf.MySQLSettings) gorm.Dialector {
	return gormmysql.Open(mysqlDSN(s))
}

func configureMySQL(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

// mysqlLocation is host:port/database, safe to log
func mysqlLocation(s conf.MySQLSettings) string {
	return fmt.Sprintf("%s/%s", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), s.Database)
}
