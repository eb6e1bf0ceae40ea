package llm

import (
	"errors"
	"strings"

	"github.com/BaSui01/agentjobs/types"
)

// 上游常见的上下文超限错误特征
var contextLengthSignatures = []string{
	"context_length_exceeded",
	"context length",
	"maximum context",
	"prompt is too long",
	"too many tokens",
	"input is too long",
	"exceeds the context window",
}

// IsContextLengthError 判断错误是否表示输入超出模型上下文窗口
func IsContextLengthError(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) && le.Code == ErrContextTooLong {
		return true
	}
	if types.IsErrorCode(err, types.ErrContextTooLong) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range contextLengthSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
