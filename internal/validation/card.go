// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidCardNumber проверяет номер карты участника по алгоритму Луна.
// Номер приходит из отсканированного QR-кода и не должен приниматься на веру.
func IsValidCardNumber(number string) bool {
	if number == "" {
		return false
	}

	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}
