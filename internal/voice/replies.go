package voice

import (
	"fmt"
	"strings"

	"github.com/santralab/santral/internal/intent"
	"github.com/santralab/santral/internal/tenant"
)

// Canned replies keep the shortcut and fallback paths deterministic: no
// retrieval, no generation, no provider dependency. Every table carries tr
// and en variants; unknown languages fall back to Turkish, matching the
// deployment's primary audience.

func shortcutReply(cat intent.Category, lang string, profile *tenant.Profile) string {
	switch cat {
	case intent.CategoryGreeting:
		return greetingReply(lang, profile)
	case intent.CategoryFarewell:
		if lang == "en" {
			return "Thank you for calling. Have a great day, goodbye."
		}
		return "Aradığınız için teşekkürler. İyi günler dileriz, hoşça kalın."
	case intent.CategoryThanks:
		if lang == "en" {
			return "You're welcome. Is there anything else I can help you with?"
		}
		return "Rica ederim. Yardımcı olabileceğim başka bir konu var mı?"
	case intent.CategoryEscalation:
		if lang == "en" {
			return "Of course, I'm connecting you to one of our staff now. Please hold on."
		}
		return "Tabii, sizi hemen bir çalışanımıza aktarıyorum. Lütfen hatta kalın."
	default:
		return ""
	}
}

func greetingReply(lang string, profile *tenant.Profile) string {
	if profile != nil {
		if custom := strings.TrimSpace(profile.Persona.Greeting); custom != "" {
			return custom
		}
	}
	name := ""
	persona := ""
	if profile != nil {
		name = strings.TrimSpace(profile.Name)
		persona = strings.TrimSpace(profile.Persona.Name)
	}
	if lang == "en" {
		switch {
		case name != "" && persona != "":
			return fmt.Sprintf("Hello, welcome to %s. I'm %s, how can I help you today?", name, persona)
		case name != "":
			return fmt.Sprintf("Hello, welcome to %s. How can I help you today?", name)
		default:
			return "Hello, how can I help you today?"
		}
	}
	switch {
	case name != "" && persona != "":
		return fmt.Sprintf("Merhaba, %s'a hoş geldiniz. Ben %s, size nasıl yardımcı olabilirim?", name, persona)
	case name != "":
		return fmt.Sprintf("Merhaba, %s'a hoş geldiniz. Size nasıl yardımcı olabilirim?", name)
	default:
		return "Merhaba, size nasıl yardımcı olabilirim?"
	}
}

// safeFallbackReply is spoken when retrieval finds nothing trustworthy. It
// is intent-specific so an appointment request still moves the call forward
// instead of dead-ending on "I don't know".
func safeFallbackReply(cat intent.Category, lang string) string {
	switch cat {
	case intent.CategoryAppointment, intent.CategoryCancellation:
		if lang == "en" {
			return "I can't access the schedule right now. Let me connect you to a colleague who can arrange that for you."
		}
		return "Şu anda takvime erişemiyorum. Sizi bu işlemi yapabilecek bir arkadaşımıza aktarıyorum."
	case intent.CategoryPricing:
		if lang == "en" {
			return "For up-to-date pricing, let me connect you to one of our specialists."
		}
		return "Güncel fiyat bilgisi için sizi uzman arkadaşlarımızdan birine aktarıyorum."
	case intent.CategoryComplaint:
		if lang == "en" {
			return "I'm sorry to hear that. I'm connecting you to our customer relations team right away."
		}
		return "Bunu duyduğuma üzüldüm. Sizi hemen müşteri ilişkileri ekibimize aktarıyorum."
	default:
		if lang == "en" {
			return "I'm not certain about that, let me check with our team and have someone get back to you."
		}
		return "Bu konuda emin değilim, ekibimize danışıp size dönüş yapılmasını sağlayacağım."
	}
}

// budgetStopReply wraps the governor's reason in a polite closing line. The
// call ends right after it is spoken.
func budgetStopReply(reason, lang string) string {
	reason = strings.TrimSpace(reason)
	if lang == "en" {
		if reason == "" {
			reason = "The monthly usage limit has been reached."
		}
		return reason + " Please contact your account representative. Thank you for calling, goodbye."
	}
	if reason == "" {
		reason = "Aylık kullanım limitiniz doldu."
	}
	return reason + " Lütfen müşteri temsilcinizle iletişime geçin. Aradığınız için teşekkürler, hoşça kalın."
}

// errorReply is the last-resort utterance: a turn must never end in silence,
// whatever failed behind the scenes.
func errorReply(lang string) string {
	if lang == "en" {
		return "I'm sorry, something went wrong on my end. Could you repeat that, or would you like me to connect you to a colleague?"
	}
	return "Özür dilerim, tarafımda bir sorun oluştu. Tekrar eder misiniz, yoksa sizi bir arkadaşımıza mı aktarayım?"
}
