package utils

import (
	"encoding/json"
	"net/http"
)

// CodeSuccess 是信封响应中表示成功的业务码
const CodeSuccess = 200

// Envelope 统一的 {code, message, data} 响应结构
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) error {
	return RespondJSON(w, status, map[string]string{"error": message})
}

// RespondOK 以信封格式返回成功结果
func RespondOK(w http.ResponseWriter, data any) error {
	return RespondJSON(w, http.StatusOK, Envelope{Code: CodeSuccess, Message: "success", Data: data})
}

// RespondFailure 以信封格式返回失败，业务码与HTTP状态码一致
func RespondFailure(w http.ResponseWriter, status int, message string) error {
	return RespondJSON(w, status, Envelope{Code: status, Message: message})
}
