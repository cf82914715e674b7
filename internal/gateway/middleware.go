package gateway

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Пришедший от агента/прокси ID уважаем, иначе генерируем новый
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)

		// Отдаем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractTraceID помогает безопасно достать ID в любом месте кода
func extractTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}
