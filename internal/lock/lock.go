// Package lock 事务级的跨进程互斥：同一个 key 的事务在数据库层面串行执行。
//
// 各方言的实现：
//   - mysql: 固定一条连接，GET_LOCK 后在该连接上开事务，事务结束后 RELEASE_LOCK
//   - 其它（sqlite）: 事务第一条语句 upsert aggregate_locks 锁行，拿到写锁直到事务结束
//
// 不提供手动解锁接口，锁的生命周期与事务一致。
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"dilemma-agg/internal/logger"
	"dilemma-agg/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrLockNotAcquired = errors.New("获取 advisory lock 失败")

// Key FNV-1a 64 位哈希，锁名由它派生
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// Name MySQL GET_LOCK 的锁名（上限 64 字符，所以用哈希而不是原始 id）
func Name(name string) string {
	return fmt.Sprintf("aggregate:%016x", uint64(Key(name)))
}

// RunInLockedTx 开事务并拿到 name 对应的锁后执行 fn；fn 返回错误则整体回滚（锁一并释放）
func RunInLockedTx(ctx context.Context, db *gorm.DB, name string, timeout time.Duration, fn func(tx *gorm.DB) error) error {
	db = db.WithContext(ctx)
	switch db.Dialector.Name() {
	case "mysql":
		return runMySQL(db, name, timeout, fn)
	default:
		return db.Transaction(func(tx *gorm.DB) error {
			row := model.AggregateLock{LockKey: Name(name), AcquiredAt: time.Now()}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "lock_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"acquired_at"}),
			}).Create(&row).Error
			if err != nil {
				return errors.Mark(errors.Wrap(err, "写入锁行失败"), ErrLockNotAcquired)
			}
			return fn(tx)
		})
	}
}

func runMySQL(db *gorm.DB, name string, timeout time.Duration, fn func(tx *gorm.DB) error) error {
	lockName := Name(name)
	secs := int(timeout / time.Second)
	if secs <= 0 {
		secs = 1
	}

	return db.Connection(func(conn *gorm.DB) error {
		pinned := conn.Session(&gorm.Session{NewDB: true})

		var got sql.NullInt64
		if err := pinned.Raw("SELECT GET_LOCK(?, ?)", lockName, secs).Row().Scan(&got); err != nil {
			return errors.Mark(errors.Wrap(err, "GET_LOCK 失败"), ErrLockNotAcquired)
		}
		// 0 = 超时，NULL = 出错
		if !got.Valid || got.Int64 != 1 {
			return errors.Wrapf(ErrLockNotAcquired, "GET_LOCK(%s) 超时", lockName)
		}

		defer func() {
			var released sql.NullInt64
			err := pinned.WithContext(context.Background()).
				Raw("SELECT RELEASE_LOCK(?)", lockName).Row().Scan(&released)
			if err != nil {
				// 连接关闭时 MySQL 也会释放
				logger.Logger.Warnw("RELEASE_LOCK 失败", "lock", lockName, "error", err)
			}
		}()

		return pinned.Transaction(fn)
	})
}
