// Package application 编排贷款生命周期、清偿与查询用例。
// 写路径的原子性统一由数据库事务保证：应用服务在事务内
// 通过仓储的 WithTx 绑定同一事务句柄。
package application

import (
	"database/sql"

	"gorm.io/gorm"
)

// TxRunner 事务执行端口，生产实现为 *gorm.DB，测试用内存桩
type TxRunner interface {
	Transaction(fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}
