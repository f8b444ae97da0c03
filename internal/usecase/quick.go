package usecase

import (
	"strings"

	"homeai-bot/internal/domain"
)

const (
	quickExpenseEdit   = "fin_expense_edit:"
	quickExpenseDelete = "fin_expense_delete:"
	quickMenu          = "fin_menu"
)

// parseQuickAction maps an interactive button id to intents. menu is set
// for the menu button; ok is false for ids it does not know.
func parseQuickAction(id string) (intents []domain.Intent, menu, ok bool) {
	id = strings.TrimSpace(id)
	switch {
	case id == quickMenu:
		return nil, true, true
	case strings.HasPrefix(id, quickExpenseEdit):
		expense := strings.TrimPrefix(id, quickExpenseEdit)
		if expense == "" {
			return nil, false, false
		}
		return []domain.Intent{quickIntent("modificar_gasto", expense)}, false, true
	case strings.HasPrefix(id, quickExpenseDelete):
		expense := strings.TrimPrefix(id, quickExpenseDelete)
		if expense == "" {
			return nil, false, false
		}
		return []domain.Intent{quickIntent("eliminar_gasto", expense)}, false, true
	}
	return nil, false, false
}

func quickIntent(action, expenseID string) domain.Intent {
	return domain.Intent{
		Domain:     "finance",
		Action:     action,
		Slots:      map[string]string{"expense_id": expenseID},
		Confidence: 1,
	}
}

func (s *Service) menu() string {
	var b strings.Builder
	b.WriteString("Puedo ayudarte con:")
	for _, name := range s.catalog.DomainNames() {
		d, ok := s.catalog.Domain(name)
		if !ok {
			continue
		}
		b.WriteString("\n• ")
		b.WriteString(d.Description)
	}
	return b.String()
}
