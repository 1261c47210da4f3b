package safety

// InterventionResponse returns the canned reply sent instead of a model call.
// It returns "" for categories that do not require intervention.
func InterventionResponse(c Category) string {
	switch c {
	case SelfHarm:
		return "I'm really glad you told me, and I'm so sorry you're carrying this. " +
			"You don't have to face it alone. Please reach out right now to someone who can help: " +
			"call or text 988 (Suicide & Crisis Lifeline, US) any time, or call 911 if you are in immediate danger. " +
			"If you can, let someone you trust know how you are feeling. " +
			"\"The Lord is close to the brokenhearted and saves those who are crushed in spirit.\" (Psalm 34:18)"
	case Violence:
		return "It sounds like things are very intense right now. If anyone is in immediate danger, " +
			"please call 911 or your local emergency number. You can also call or text 988 to talk with " +
			"a trained counselor about what you're feeling before acting on it. " +
			"Stepping away and reaching out to someone you trust can help."
	case Abuse:
		return "I'm so sorry this is happening to you. What you are describing is not your fault. " +
			"If you are in danger, please call 911. The National Domestic Violence Hotline is available " +
			"24/7 at 1-800-799-7233 (or text START to 88788), and RAINN's hotline is 1-800-656-4673. " +
			"You deserve to be safe."
	case MedicalEmergency:
		return "This sounds like a medical emergency. Please call 911 or your local emergency number " +
			"right away, or ask someone nearby to call for you. If poisoning or an overdose is involved, " +
			"Poison Control is 1-800-222-1222. I'll be here to pray with you once you're safe."
	}
	return ""
}

// FilteredResponse replaces a reply the completion provider refused to finish.
const FilteredResponse = "I'm not able to answer that the way it was asked, but I'd be glad to keep talking. " +
	"If you're going through something hard, tell me a little more and we can look at what Scripture says together. " +
	"If you or someone else is in danger, please call 911 or text 988."
