package rest

import (
	"errors"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
)

// 錯誤碼，客戶端依此判斷
const (
	CodeAccountNotFound     = 1
	CodeDuplicateRequestID  = 2
	CodeInsufficientBalance = 3
	CodeInvalidRequest      = 4
	CodeInternal            = math.MaxInt32
)

type errorResponse struct {
	Code           int      `json:"code"`
	Message        string   `json:"message"`
	AffectedValues []string `json:"affectedValues"`
}

// writeError 依錯誤種類決定 HTTP 狀態碼與 log 等級
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := hlog.FromRequest(r)

	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.StorageFailure(err)
	}

	switch de.Kind {
	case domain.KindAccountNotFound:
		logger.Info().Err(err).Msg("transfer rejected")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code: CodeAccountNotFound, Message: "Account doesn't exist", AffectedValues: ids(de.AccountID),
		})
	case domain.KindDuplicateRequestID:
		logger.Warn().Err(err).Msg("transfer rejected")
		writeJSON(w, http.StatusConflict, errorResponse{
			Code: CodeDuplicateRequestID, Message: "Request id already processed", AffectedValues: ids(de.RequestID),
		})
	case domain.KindInsufficientBalance:
		logger.Info().Err(err).Msg("transfer rejected")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code: CodeInsufficientBalance, Message: "Insufficient balance to perform transfer", AffectedValues: ids(de.AccountID),
		})
	case domain.KindInvalidAmount, domain.KindSameAccount:
		logger.Info().Err(err).Msg("transfer rejected")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code: CodeInvalidRequest, Message: de.Error(), AffectedValues: ids(de.AccountID),
		})
	default:
		logger.Error().Err(err).Msg("unexpected error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code: CodeInternal, Message: "Unexpected internal error", AffectedValues: []string{},
		})
	}
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Info().Err(err).Msg("bad request")
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Code: CodeInvalidRequest, Message: err.Error(), AffectedValues: []string{},
	})
}

// ids uuid.Nil 代表沒有相關的值
func ids(values ...uuid.UUID) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != uuid.Nil {
			out = append(out, v.String())
		}
	}
	return out
}
