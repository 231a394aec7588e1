// 包 apperr：统一的错误分类，解析层返回带 Kind 的错误，HTTP 层据此映射状态码与错误信封
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind：错误类别
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindNoPostcodeFound
	KindPointOutsideCoverage
	KindInvalidAreaType
	KindMalformedInput
	KindInternal
	KindRateLimited
)

// Error：带类别的领域错误
// 约束：Meta 仅放可序列化的诊断字段（如距离、最近邮编），会原样写入错误信封
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
	Meta    map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus：按类别返回状态码
func (e *Error) HTTPStatus() int { return Status(e.Kind) }

// WithOp：设置出错的操作名
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithMeta：附加诊断字段
func (e *Error) WithMeta(k string, v any) *Error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[k] = v
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(message string) *Error { return New(KindNotFound, message) }

func Malformed(message string) *Error { return New(KindMalformedInput, message) }

func InvalidAreaType(code string) *Error {
	return New(KindInvalidAreaType, fmt.Sprintf("area type %q is not recognised", code))
}

// KindOf：提取错误类别；非 *Error 视为 KindInternal，nil 返回 KindUnknown
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// Status：类别到 HTTP 状态码
func Status(k Kind) int {
	switch k {
	case KindNotFound, KindNoPostcodeFound, KindInvalidAreaType:
		return http.StatusNotFound
	case KindPointOutsideCoverage, KindMalformedInput:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code：错误信封中的机器可读代码
func Code(k Kind) string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNoPostcodeFound:
		return "no_postcode_found"
	case KindPointOutsideCoverage:
		return "point_outside_uk"
	case KindInvalidAreaType:
		return "invalid_areatype"
	case KindMalformedInput:
		return "malformed_input"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// Title：错误信封中的短标题
func Title(k Kind) string {
	switch k {
	case KindNotFound:
		return "resource not found"
	case KindNoPostcodeFound:
		return "No postcode found"
	case KindPointOutsideCoverage:
		return "Nearest postcode is beyond the coverage distance"
	case KindInvalidAreaType:
		return "Area type not found"
	case KindMalformedInput:
		return "Malformed input"
	case KindRateLimited:
		return "Too many requests"
	default:
		return "Internal error"
	}
}
