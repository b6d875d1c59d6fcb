package enforce

import (
	"fmt"

	"github.com/Asadalnjar/whatsapp-bot-backend/internal/jid"
)

// Chat members are shown a category label, never the matched term.
var categoryLabels = map[string]string{
	"banned_word": "كلمة محظورة",
	"link":        "رابط غير مسموح",
	"phone":       "رقم هاتف",
	"flood":       "رسائل مكررة",
}

// CategoryLabel returns the display label of a category. Unknown categories
// are shown as is.
func CategoryLabel(category string) string {
	if label, ok := categoryLabels[category]; ok {
		return label
	}
	return category
}

func mention(senderID string) string {
	return "@" + jid.Digits(senderID)
}

// WarningText is the warning posted to the chat. A count of one or less is
// a first offense.
func WarningText(senderID, category string, count int64) string {
	if count <= 1 {
		return fmt.Sprintf("⚠️ تحذير %s: تم رصد %s. تكرارها سيؤدي إلى الطرد.",
			mention(senderID), CategoryLabel(category))
	}
	return fmt.Sprintf("⛔ %s: تكرار المخالفة (%s) للمرة %d. قد يتم طردك من القروب.",
		mention(senderID), CategoryLabel(category), count)
}

// KickNotice announces a removal.
func KickNotice(senderID, category string) string {
	return fmt.Sprintf("🚫 تم طرد %s لمخالفة قوانين القروب\n\nالسبب: %s",
		mention(senderID), CategoryLabel(category))
}

// BanNotice announces a removal that also bars the sender from returning.
func BanNotice(senderID, category string) string {
	return fmt.Sprintf("🚫 تم حظر %s من القروب\n\nالسبب: %s",
		mention(senderID), CategoryLabel(category))
}
