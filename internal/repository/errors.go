package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hitoshi/trendboard/internal/model"
)

// mongoQuotaExceededCode はAtlasのストレージ・操作クォータ超過時のエラーコード。
const mongoQuotaExceededCode = 8000

// wrapPostgresError はlib/pqのエラーをStoreErrorに変換する。
// SQLSTATEクラス53(insufficient_resources)はクォータ超過として扱う。
func wrapPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewStoreError(model.StoreErrNotFound, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "53" {
		return model.NewStoreError(model.StoreErrQuotaExceeded, op, err)
	}
	if containsQuota(err) {
		return model.NewStoreError(model.StoreErrQuotaExceeded, op, err)
	}
	return model.NewStoreError(model.StoreErrUnknown, op, err)
}

// wrapMongoError はmongo-driverのエラーをStoreErrorに変換する。
func wrapMongoError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.NewStoreError(model.StoreErrNotFound, op, err)
	}

	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) && srvErr.HasErrorCode(mongoQuotaExceededCode) {
		return model.NewStoreError(model.StoreErrQuotaExceeded, op, err)
	}
	if containsQuota(err) {
		return model.NewStoreError(model.StoreErrQuotaExceeded, op, err)
	}
	return model.NewStoreError(model.StoreErrUnknown, op, err)
}

func containsQuota(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "quota")
}
