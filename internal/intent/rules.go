package intent

// rule binds one intent to the word roots and exact phrases that signal it.
// Roots match as prefixes of normalized tokens, phrases as substrings of the
// whole normalized text. Declaration order inside a table is the tie-break:
// when two intents score equally, the one declared earlier wins.
type rule struct {
	intent  Category
	roots   []string
	phrases []string
}

var ruleTables = map[string][]rule{
	"tr": {
		{
			intent:  CategoryGreeting,
			roots:   []string{"merhaba", "selam", "alo", "günaydın", "gunaydin"},
			phrases: []string{"merhaba", "selam", "iyi günler", "iyi gunler", "günaydın", "hayırlı günler"},
		},
		{
			intent:  CategoryFarewell,
			roots:   []string{"hoşça", "hosca", "görüşürüz", "gorusuruz", "hoşçakal"},
			phrases: []string{"hoşça kal", "hoşçakal", "görüşürüz", "iyi akşamlar", "kendine iyi bak", "görüşmek üzere"},
		},
		{
			intent:  CategoryThanks,
			roots:   []string{"teşekkür", "tesekkur", "sağol", "sagol"},
			phrases: []string{"teşekkür ederim", "teşekkürler", "tesekkur ederim", "tesekkurler", "çok teşekkür", "sağ ol", "sağolun"},
		},
		{
			intent:  CategoryEscalation,
			roots:   []string{"temsilci", "yetkili", "operatör", "operator"},
			phrases: []string{"müşteri temsilcisi", "temsilciye bağla", "operatöre bağla", "gerçek bir insan", "yetkili biriyle", "insanla görüşmek", "birine bağla"},
		},
		{
			intent:  CategoryAppointment,
			roots:   []string{"randevu", "rezervasyon"},
			phrases: []string{"randevu al", "randevu oluştur", "randevu ayarla", "randevu talep", "rezervasyon yap"},
		},
		{
			intent:  CategoryCancellation,
			roots:   []string{"iptal", "vazgeç", "vazgec", "ertele"},
			phrases: []string{"iptal et", "randevu iptal", "randevumu iptal", "iptal etmek istiyorum", "vazgeçtim"},
		},
		{
			intent:  CategoryPricing,
			roots:   []string{"fiyat", "ücret", "ucret", "tarife"},
			phrases: []string{"ne kadar", "kaç para", "kaç lira", "fiyat nedir", "ücreti ne", "fiyat listesi"},
		},
		{
			intent:  CategoryComplaint,
			roots:   []string{"şikayet", "sikayet", "sorun", "problem"},
			phrases: []string{"şikayet etmek", "şikayetim var", "memnun değilim", "sorun yaşıyorum", "hiç memnun kalmadım"},
		},
		{
			intent:  CategoryInfo,
			roots:   []string{"bilgi", "adres", "nerede", "saat"},
			phrases: []string{"bilgi almak", "bilgi alabilir miyim", "çalışma saatleri", "nasıl çalışıyor", "adresiniz ne", "neredesiniz"},
		},
	},
	"en": {
		{
			intent:  CategoryGreeting,
			roots:   []string{"hello", "hi", "hey"},
			phrases: []string{"hello", "hi there", "good morning", "good afternoon", "good evening"},
		},
		{
			intent:  CategoryFarewell,
			roots:   []string{"bye", "goodbye", "farewell"},
			phrases: []string{"goodbye", "bye bye", "see you", "good night", "take care"},
		},
		{
			intent:  CategoryThanks,
			roots:   []string{"thank", "thanks", "cheers"},
			phrases: []string{"thank you", "thanks a lot", "many thanks", "appreciate it"},
		},
		{
			intent:  CategoryEscalation,
			roots:   []string{"human", "agent", "representative", "manager", "operator"},
			phrases: []string{"speak to a human", "real person", "customer representative", "talk to an agent", "speak to someone", "transfer me"},
		},
		{
			intent:  CategoryAppointment,
			roots:   []string{"appointment", "booking", "schedule", "reserv"},
			phrases: []string{"book an appointment", "make an appointment", "schedule an appointment", "set up a meeting", "book a slot"},
		},
		{
			intent:  CategoryCancellation,
			roots:   []string{"cancel", "postpone", "reschedul"},
			phrases: []string{"cancel my", "call it off", "cancel the appointment"},
		},
		{
			intent:  CategoryPricing,
			roots:   []string{"price", "cost", "fee", "pricing", "charge"},
			phrases: []string{"how much", "what does it cost", "price list", "what are your rates"},
		},
		{
			intent:  CategoryComplaint,
			roots:   []string{"complain", "complaint", "issue", "problem", "unhappy"},
			phrases: []string{"i have a complaint", "not happy with", "this is unacceptable", "i am not satisfied"},
		},
		{
			intent:  CategoryInfo,
			roots:   []string{"info", "information", "hours", "location", "address", "about"},
			phrases: []string{"opening hours", "more information", "how does it work", "where are you located", "tell me about"},
		},
	},
}

// Stop-word marker sets double as language evidence for DetectLanguage.
var turkishStopWords = map[string]bool{
	"ve": true, "bir": true, "bu": true, "şu": true, "ne": true, "için": true,
	"ile": true, "ama": true, "fakat": true, "çok": true, "var": true, "yok": true,
	"evet": true, "hayır": true, "nasıl": true, "neden": true, "niye": true,
	"lütfen": true, "istiyorum": true, "istiyoruz": true, "istemiyorum": true,
	"olur": true, "olmaz": true, "tamam": true, "iyi": true, "günler": true,
	"merhaba": true, "selam": true, "ben": true, "biz": true, "siz": true,
	"bana": true, "beni": true, "benim": true, "sizin": true, "değil": true,
	"daha": true, "gibi": true, "kadar": true, "sonra": true, "önce": true,
	"şey": true, "acaba": true, "hemen": true, "şimdi": true, "bugün": true,
	"yarın": true, "mi": true, "mı": true, "mu": true, "mü": true,
}

var englishStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "am": true,
	"i": true, "you": true, "we": true, "they": true, "he": true, "she": true,
	"it": true, "to": true, "of": true, "in": true, "on": true, "for": true,
	"with": true, "my": true, "your": true, "our": true, "this": true,
	"that": true, "what": true, "how": true, "when": true, "where": true,
	"why": true, "can": true, "could": true, "would": true, "should": true,
	"do": true, "does": true, "did": true, "have": true, "has": true,
	"want": true, "need": true, "please": true, "hello": true, "hi": true,
	"hey": true, "thanks": true, "thank": true, "yes": true, "no": true,
	"not": true, "and": true, "or": true, "but": true, "about": true,
	"there": true, "here": true, "today": true, "tomorrow": true, "now": true,
}
