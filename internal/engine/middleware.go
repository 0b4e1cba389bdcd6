package engine

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const requestIDKey ctxKey = "request_id"

// RequestIDMiddleware присваивает каждому запросу сквозной ID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. ID от агента/прокси, если он валидный UUID
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			// 2. Иначе генерируем новый
			id = uuid.NewString()
		}

		// 3. Кладем в контекст и в ответ
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom безопасно достает ID запроса; пустая строка, если его нет.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
