package extractor

import "strings"

// FallbackCategory replaces any category outside the vocabulary.
const FallbackCategory = "Другое"

// Categories is the closed vocabulary the model must choose from.
var Categories = []string{
	"Продукты",
	"Еда вне дома",
	"Здоровье",
	"Транспорт",
	"Одежда и обувь",
	"Товары для дома",
	"Развлечения",
	"Подарки",
	"Техника",
	"Отдых",
	"Сигареты",
	"Красота",
	"Связь и коммунальные услуги",
	FallbackCategory,
}

// Prompt is sent in front of the receipt text.
var Prompt = `
Ты — помощник для автоматизации учёта расходов.
Тебе дан текст кассового чека.
Твоя задача — извлечь из него следующие данные:
Категорию чека (Выбирай СТРОГО из следующих категорий:
` + strings.Join(Categories, ",\n") + `
)
Общую сумму чека (только число, без валюты и лишних символов).
Время и дата покупки (в формате ISO 8601, например: 2024-06-12T15:30:00).
Отправителя чека (обычно это организация, ООО, ИП и т.п.)
Ответь строго в формате JSON:
{
"category": "<категория>",
"total": <сумма>,
"date": "<время и дата покупки>",
"place": "<отправитель чека>"
}
Текст чека:
`

// NormalizeCategory maps s onto the vocabulary, ignoring case and surrounding
// space. ok is false when s had to be replaced by FallbackCategory.
func NormalizeCategory(s string) (category string, ok bool) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(c, s) {
			return c, true
		}
	}
	return FallbackCategory, false
}
