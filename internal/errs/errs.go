// Package errs defines the failure taxonomy shared by the validator, resolver,
// cache, in-flight guard and pipeline. Every failure is a coded PlatformError so
// the HTTP layer can map it to a status code and a JSON body without string
// matching, and so external collaborators can read the retry classification.
package errs

import (
	"net/http"

	"github.com/jmgilman/go/errors"
)

// 请求路径与处理流水线的错误码。
const (
	CodeInvalidPath       errors.ErrorCode = "INVALID_PATH"
	CodeRouteNotFound     errors.ErrorCode = "ROUTE_NOT_FOUND"
	CodeUnsupportedFormat errors.ErrorCode = "UNSUPPORTED_FORMAT"
	CodeOriginMissing     errors.ErrorCode = "ORIGIN_MISSING"
	CodeOriginUnreachable errors.ErrorCode = "ORIGIN_UNREACHABLE"
	CodeFetchFailed       errors.ErrorCode = "FETCH_FAILED"
	CodeProcessingFailed  errors.ErrorCode = "PROCESSING_FAILED"
	CodeFilesystemFailed  errors.ErrorCode = "FILESYSTEM_FAILED"
	CodeTimeout                            = errors.CodeTimeout
	CodeInternal                           = errors.CodeInternal
)

var statusByCode = map[errors.ErrorCode]int{
	CodeInvalidPath:       http.StatusBadRequest,
	CodeRouteNotFound:     http.StatusNotFound,
	CodeUnsupportedFormat: http.StatusNotFound,
	CodeOriginMissing:     http.StatusNotFound,
	CodeOriginUnreachable: http.StatusBadGateway,
	CodeFetchFailed:       http.StatusInternalServerError,
	CodeProcessingFailed:  http.StatusInternalServerError,
	CodeFilesystemFailed:  http.StatusInternalServerError,
	CodeTimeout:           http.StatusGatewayTimeout,
	CodeInternal:          http.StatusInternalServerError,
}

// InvalidPath 表示路径包含穿越、协议标记或非法字符。
func InvalidPath(path, reason string) error {
	return withPath(errors.New(CodeInvalidPath, reason), path)
}

// RouteNotFound 表示路径不属于任何已配置的前缀。
func RouteNotFound(path string) error {
	return withPath(errors.New(CodeRouteNotFound, "path is not under a watermarked prefix"), path)
}

// UnsupportedFormat 表示扩展名不在允许列表内。
func UnsupportedFormat(path, ext string) error {
	err := withPath(errors.Newf(CodeUnsupportedFormat, "format %q is not accepted", ext), path)
	return errors.WithContext(err, "extension", ext)
}

// OriginMissing 表示源站返回 404/410。
func OriginMissing(url string, status int) error {
	err := errors.Newf(CodeOriginMissing, "origin has no asset (status %d)", status)
	return errors.WithContextMap(err, map[string]interface{}{"origin": url, "status": status})
}

// OriginUnreachable 包装网络层失败，分类为可重试。
func OriginUnreachable(url string, cause error) error {
	err := errors.Wrap(cause, CodeOriginUnreachable, "origin unreachable")
	err = errors.WithClassification(err, errors.ClassificationRetryable)
	return errors.WithContext(err, "origin", url)
}

// FetchFailed 覆盖非 2xx 响应、读取中断或超出大小上限。
func FetchFailed(url, reason string, cause error) error {
	var err errors.PlatformError
	if cause == nil {
		err = errors.New(CodeFetchFailed, reason)
	} else {
		err = errors.Wrap(cause, CodeFetchFailed, reason)
	}
	return errors.WithContext(err, "origin", url)
}

// ProcessingFailed 表示水印工具失败或未产出有效文件。
func ProcessingFailed(reason string, cause error) error {
	if cause == nil {
		return errors.New(CodeProcessingFailed, reason)
	}
	return errors.Wrap(cause, CodeProcessingFailed, reason)
}

// FilesystemFailed 包装缓存目录或临时目录的 I/O 失败。
func FilesystemFailed(op string, cause error) error {
	return errors.WithContext(errors.Wrap(cause, CodeFilesystemFailed, op), "op", op)
}

// Timeout 表示下载或处理阶段超出时限。
func Timeout(stage string, cause error) error {
	var err errors.PlatformError
	if cause == nil {
		err = errors.Newf(CodeTimeout, "%s timed out", stage)
	} else {
		err = errors.Wrapf(cause, CodeTimeout, "%s timed out", stage)
	}
	return errors.WithContext(err, "stage", stage)
}

// Internal 兜底未分类的错误，例如生产者 panic。
func Internal(reason string, cause error) error {
	if cause == nil {
		return errors.New(CodeInternal, reason)
	}
	return errors.Wrap(cause, CodeInternal, reason)
}

func withPath(err errors.PlatformError, path string) errors.PlatformError {
	if path == "" {
		return err
	}
	return errors.WithContext(err, "path", path)
}

// Code 返回错误码；非 PlatformError 统一视为 INTERNAL_ERROR。
func Code(err error) errors.ErrorCode {
	code := errors.GetCode(err)
	if code == errors.CodeUnknown {
		return CodeInternal
	}
	return code
}

// Is 判断 err 链上最外层错误码是否为 code。
func Is(err error, code errors.ErrorCode) bool {
	return err != nil && Code(err) == code
}

// HTTPStatus 将错误码映射为响应状态码。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status, ok := statusByCode[Code(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// IsClientError 对 4xx 类失败返回 true，调用方据此降低日志级别。
func IsClientError(err error) bool {
	status := HTTPStatus(err)
	return status >= 400 && status < 500
}

// Body 生成对外的 JSON 错误体，不暴露内部错误链。
func Body(err error) *errors.ErrorResponse {
	resp := errors.ToJSON(err)
	if resp != nil && resp.Code == string(errors.CodeUnknown) {
		resp.Code = string(CodeInternal)
	}
	return resp
}

// Retryable 透出分类信息，核心流程自身不做重试。
func Retryable(err error) bool {
	return errors.IsRetryable(err)
}

// Typed 判断 err 是否已经携带错误码，未携带的由调用方按阶段包装。
func Typed(err error) bool {
	return errors.GetCode(err) != errors.CodeUnknown
}
