// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// Codeは機械可読な理由コードで、リクエスト入力を含めない。
type APIError struct {
	Code     string // 理由コード
	Message  string // エラーメッセージ
	Category string // カテゴリ: flow, session, csrf, authorization, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryFlow          = "flow"
	CategorySession       = "session"
	CategoryCSRF          = "csrf"
	CategoryAuthorization = "authorization"
	CategoryValidation    = "validation"
	CategorySystem        = "system"
)

// 定義済みエラーコード（カテゴリ固有の理由コードは各パッケージが定義する）
const (
	ErrCodeAuthenticationRequired = "authentication_required"
	ErrCodeInvalidCredentials     = "invalid_credentials"
	ErrCodeInvalidRequest         = "invalid_request"
	ErrCodeNotFound               = "not_found"
	ErrCodeMethodNotAllowed       = "method_not_allowed"
	ErrCodeUserNotFound           = "user_not_found"
	ErrCodeRateLimited            = "rate_limited"
	ErrCodeCookieNotStorable      = "cookie_not_storable"
	ErrCodeInternal               = "internal_error"
)

// ActionRetryLogin は一時的な障害でログインをやり直せる場合のAction。
const ActionRetryLogin = "retry_login"

// NewFlowError はOAuthフロー失敗エラーを生成する。
// IdPのエラー文言は含めない。
func NewFlowError(category string, retryable bool) *APIError {
	action := "もう一度ログインしてください。"
	if retryable {
		action = ActionRetryLogin
	}
	return &APIError{
		Code:     category,
		Message:  "ログインを完了できませんでした。",
		Category: CategoryFlow,
		Action:   action,
	}
}

// NewSessionError は認証が必要であることを示すエラーを生成する。
func NewSessionError(reason string) *APIError {
	return &APIError{
		Code:     reason,
		Message:  "認証が必要です。",
		Category: CategorySession,
		Action:   "ログインしてください。",
	}
}

// NewCSRFError はCSRF検証失敗エラーを生成する。
func NewCSRFError(reason string) *APIError {
	return &APIError{
		Code:     reason,
		Message:  "リクエストの検証に失敗しました。",
		Category: CategoryCSRF,
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewForbiddenError は認可失敗エラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     reason,
		Message:  "この操作を行う権限がありません。",
		Category: CategoryAuthorization,
		Action:   "管理者に問い合わせてください。",
	}
}

// NewNotFoundError は存在しないルートへのアクセスエラーを生成する。
func NewNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  "指定されたリソースが見つかりません。",
		Category: CategoryValidation,
		Action:   "URLを確認してください。",
	}
}

// NewMethodNotAllowedError はルートが対応していないメソッドでのアクセスエラーを生成する。
func NewMethodNotAllowedError() *APIError {
	return &APIError{
		Code:     ErrCodeMethodNotAllowed,
		Message:  "このメソッドは利用できません。",
		Category: CategoryValidation,
		Action:   "リクエストメソッドを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: CategoryValidation,
		Action:   "対象ユーザーを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式不正エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストの形式が正しくありません。",
		Category: CategoryValidation,
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidCredentialsError はフィクスチャログインの認証失敗エラーを生成する。
// メールアドレスの存在有無は区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: CategorySession,
		Action:   "入力内容を確認してください。",
	}
}

// NewCookieNotStorableError はCookieがブラウザに保存されない構成を示すエラーを生成する。
func NewCookieNotStorableError() *APIError {
	return &APIError{
		Code:     ErrCodeCookieNotStorable,
		Message:  "セキュアCookieをHTTP接続で発行できません。",
		Category: CategorySystem,
		Action:   "HTTPSでアクセスするか、Cookie設定を確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエスト数が制限を超えました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
