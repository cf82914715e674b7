package siwa

import "errors"

// Именованные ошибки верификации. Вызывающий обязан уметь отличать
// "плохой актор" (replay, подмена подписи) от "рассинхрон часов" (stale)
// и от "можно безопасно повторить" (expired nonce) — поэтому каждая
// проверка проваливается своей ошибкой.
var (
	// ErrMalformed — сообщение не разобралось кодеком.
	ErrMalformed = errors.New("siwa: malformed message")

	// ErrDomainMismatch — домен в сообщении не совпал с доменом шлюза.
	ErrDomainMismatch = errors.New("siwa: domain mismatch")

	// ErrNonceMismatch — nonce в сообщении не тот, что выдал шлюз.
	ErrNonceMismatch = errors.New("siwa: nonce mismatch")

	// ErrNonceUnknown — nonce не найден в реестре: истек или уже потреблен (replay).
	ErrNonceUnknown = errors.New("siwa: unknown or already consumed nonce")

	// ErrStaleMessage — сообщение выпущено слишком давно (max age превышен).
	ErrStaleMessage = errors.New("siwa: message issued too long ago")

	// ErrExpiredMessage — наступил Expiration Time, указанный в самом сообщении.
	ErrExpiredMessage = errors.New("siwa: message expired")

	// ErrSignatureMismatch — подпись восстановилась в другой адрес.
	ErrSignatureMismatch = errors.New("siwa: signature does not match claimed address")
)
