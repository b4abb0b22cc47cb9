package grpc

import (
	"errors"

	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
)

// ErrorDomain errdetails.ErrorInfo 的 Domain
const ErrorDomain = "ledger.v1"

// toStatus 將領域錯誤轉成 gRPC status，Reason 為錯誤種類
// 儲存層錯誤只回傳通用訊息，原因留在 server log
func toStatus(err error) error {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.StorageFailure(err)
	}

	var code codes.Code
	msg := de.Error()
	switch de.Kind {
	case domain.KindAccountNotFound:
		code = codes.NotFound
	case domain.KindInsufficientBalance:
		code = codes.FailedPrecondition
	case domain.KindDuplicateRequestID:
		code = codes.AlreadyExists
	case domain.KindInvalidAmount, domain.KindSameAccount:
		code = codes.InvalidArgument
	default:
		code = codes.Internal
		msg = "internal storage failure"
	}

	metadata := map[string]string{}
	if de.AccountID != uuid.Nil {
		metadata["account_id"] = de.AccountID.String()
	}
	if de.RequestID != uuid.Nil {
		metadata["request_id"] = de.RequestID.String()
	}

	st, detailErr := status.New(code, msg).WithDetails(&errdetails.ErrorInfo{
		Reason:   de.Kind.String(),
		Domain:   ErrorDomain,
		Metadata: metadata,
	})
	if detailErr != nil {
		return status.Error(code, msg)
	}
	return st.Err()
}

// invalidArgument 請求格式錯誤 (例如 UUID 無法解析)
func invalidArgument(field string, err error) error {
	st, detailErr := status.New(codes.InvalidArgument, field+": "+err.Error()).WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: field, Description: err.Error()},
		},
	})
	if detailErr != nil {
		return status.Error(codes.InvalidArgument, field+": "+err.Error())
	}
	return st.Err()
}

// ErrorReason 客戶端取得 ErrorInfo.Reason (例如 "insufficient_balance")
// 不是本服務的錯誤時回傳空字串
func ErrorReason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}
