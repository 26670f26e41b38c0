package tradein

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	couponCodePrefix = "TI"
	idFragmentLen    = 8
)

// NewCouponCode формирует код купона из фрагмента идентификатора заявки, момента её создания
// и номера попытки одобрения. Конкурирующие одобрения одной попытки получают один и тот же код,
// поэтому второй купон отклоняется уникальным индексом по коду.
func NewCouponCode(evaluationID string, createdAt time.Time, attempt int) string {
	var b strings.Builder
	for _, r := range evaluationID {
		if b.Len() == idFragmentLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}

	fragment := b.String()
	if fragment == "" {
		fragment = "EVAL"
	}

	stamp := strings.ToUpper(strconv.FormatInt(createdAt.UnixMilli(), 36))
	return couponCodePrefix + "-" + fragment + "-" + stamp + "-" + strconv.Itoa(attempt)
}
