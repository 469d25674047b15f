package httputil

// 成功訊息
const (
	DataRetrieved = "Data retrieved successfully"
	DataUpdated   = "Data updated successfully"
	DataDeleted   = "Data deleted successfully"
)

// SuccessResponse 成功回應；Count 只在列表端點出現
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Count   int         `json:"count,omitempty"`
}

// NewSuccessResponse 單筆資料的成功回應
func NewSuccessResponse(message string, data interface{}) *SuccessResponse {
	return &SuccessResponse{Success: true, Message: message, Data: data}
}

// NewSuccessResponseWithCount 列表資料的成功回應
func NewSuccessResponseWithCount(message string, data interface{}, count int) *SuccessResponse {
	resp := NewSuccessResponse(message, data)
	resp.Count = count
	return resp
}
