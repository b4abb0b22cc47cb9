package grpc

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// 以 JSON codec 傳輸的訊息
// 金額一律以字串表示 (最多兩位小數)

type TransferRequest struct {
	RequestId     string `json:"requestId"`
	FromAccountId string `json:"fromAccountId"`
	ToAccountId   string `json:"toAccountId"`
	Amount        string `json:"amount"`
}

type TransferResponse struct {
	RequestId string                 `json:"requestId"`
	Amount    string                 `json:"amount"`
	CreatedAt *timestamppb.Timestamp `json:"createdAt"`
}

// transferResponseJSON createdAt 交給 protojson，輸出 RFC 3339 字串
type transferResponseJSON struct {
	RequestId string          `json:"requestId"`
	Amount    string          `json:"amount"`
	CreatedAt json.RawMessage `json:"createdAt,omitempty"`
}

func (r *TransferResponse) MarshalJSON() ([]byte, error) {
	out := transferResponseJSON{RequestId: r.RequestId, Amount: r.Amount}
	if r.CreatedAt != nil {
		ts, err := protojson.Marshal(r.CreatedAt)
		if err != nil {
			return nil, err
		}
		out.CreatedAt = ts
	}
	return json.Marshal(out)
}

func (r *TransferResponse) UnmarshalJSON(data []byte) error {
	var in transferResponseJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.RequestId, r.Amount, r.CreatedAt = in.RequestId, in.Amount, nil
	if len(in.CreatedAt) > 0 && string(in.CreatedAt) != "null" {
		r.CreatedAt = &timestamppb.Timestamp{}
		if err := protojson.Unmarshal(in.CreatedAt, r.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

type GetAccountRequest struct {
	AccountId string `json:"accountId"`
}

type Account struct {
	Id      string `json:"id"`
	Name    string `json:"name"`
	Balance string `json:"balance"`
}

type ListAccountsRequest struct{}

type AccountSummary struct {
	Id string `json:"id"`
}

type ListAccountsResponse struct {
	Accounts []AccountSummary `json:"accounts"`
}
