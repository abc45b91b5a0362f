package migrations

import "embed"

// Files 暴露 walletd 的全部 SQL 迁移文件，供运维工具按序执行。
//
//go:embed *.sql
var Files embed.FS
