package db

import (
	"fmt"
	"strings"

	"dilemma-agg/internal/config"
	"dilemma-agg/internal/logger"
	"dilemma-agg/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(cfg *config.Config) error {
	conn, err := Open(cfg.Database)
	if err != nil {
		return err
	}
	DB = conn
	logger.Logger.Infow("数据库初始化成功", "driver", cfg.Database.Driver)
	return nil
}

// Open 按 driver 打开连接并自动迁移
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
				cfg.User,
				cfg.Password,
				cfg.Host,
				cfg.Port,
				cfg.DBName,
				cfg.Charset,
			)
		}
		dialector = mysql.Open(dsn)
	case "sqlite":
		if cfg.DSN == "" {
			return nil, errors.New("sqlite 需要配置 dsn（数据库文件路径）")
		}
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Newf("不支持的数据库驱动: %s", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "连接数据库失败")
	}

	if err := conn.AutoMigrate(model.All()...); err != nil {
		return nil, errors.Wrap(err, "数据库迁移失败")
	}
	return conn, nil
}
