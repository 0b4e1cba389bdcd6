package domain

// maskMinLen: короче этого значения превью не раскрывает ни одного символа.
const maskMinLen = 8

// Mask строит превью для аудита: первые 3 символа + *** + последние 3.
// Оригинальное значение в аудит никогда не попадает.
func Mask(s string) string {
	r := []rune(s)
	if len(r) < maskMinLen {
		return "***"
	}
	return string(r[:3]) + "***" + string(r[len(r)-3:])
}
