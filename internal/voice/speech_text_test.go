package voice

import "testing"

func TestSanitizeForSpeech(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops emoji and markdown emphasis",
			in:   "Tabii 😊 **hemen** bakıyorum.",
			want: "Tabii hemen bakıyorum.",
		},
		{
			name: "keeps link label and removes url",
			in:   "Detaylar [web sitemizde](https://example.com/fiyatlar) yer alıyor.",
			want: "Detaylar web sitemizde yer alıyor.",
		},
		{
			name: "removes inline code",
			in:   "Randevu kodunuz `ABC-123` olarak kaydedildi.",
			want: "Randevu kodunuz olarak kaydedildi.",
		},
		{
			name: "keeps turkish characters and spoken punctuation",
			in:   "Açılış saatimiz 09:00, kapanış 18:30'dur.",
			want: "Açılış saatimiz 09:00, kapanış 18:30'dur.",
		},
		{
			name: "keeps percent for prices",
			in:   "Kampanyada %20 indirim var.",
			want: "Kampanyada %20 indirim var.",
		},
		{
			name: "strips heading markers",
			in:   "## Çalışma Saatleri\nHafta içi açığız.",
			want: "Çalışma Saatleri Hafta içi açığız.",
		},
		{
			name: "collapses symbol runs into single spaces",
			in:   "Merhaba***dünya///yine",
			want: "Merhaba dünya yine",
		},
		{
			name: "empty input",
			in:   "   ",
			want: "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeForSpeech(tc.in)
			if got != tc.want {
				t.Fatalf("sanitizeForSpeech(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSpeechCleanerPreservesSplitWords(t *testing.T) {
	c := newSpeechCleaner()
	got := c.SanitizeDelta("mer") + c.SanitizeDelta("haba") + c.SanitizeDelta(" size") + c.SanitizeDelta(" nasıl")
	want := "merhaba size nasıl"
	if got != want {
		t.Fatalf("joined deltas = %q, want %q", got, want)
	}
}

func TestSpeechCleanerFenceAcrossDeltas(t *testing.T) {
	c := newSpeechCleaner()
	var out string
	for _, delta := range []string{"Şöyle yapın: ", "```", "bash\nrm -rf /", "```", " sonra arayın."} {
		out += c.SanitizeDelta(delta)
	}
	out += c.Finalize()
	// Edge whitespace of the deltas around the fence survives; the segmenter
	// collapses the run later.
	want := "Şöyle yapın:  sonra arayın."
	if out != want {
		t.Fatalf("fence filtering produced %q, want %q", out, want)
	}
}

func TestSpeechCleanerCarriesTrailingBackticks(t *testing.T) {
	c := newSpeechCleaner()
	first := c.SanitizeDelta("kod `")
	if first != "kod " {
		t.Fatalf("first delta = %q, want %q", first, "kod ")
	}
	// The held-back tick joins the next delta and completes inline code.
	second := c.SanitizeDelta("x` tamam")
	if second != "tamam" {
		t.Fatalf("second delta = %q, want %q", second, "tamam")
	}
}

func TestSpeechCleanerFinalizeDropsUnclosedFence(t *testing.T) {
	c := newSpeechCleaner()
	out := c.SanitizeDelta("Önce şunu bilin. ")
	out += c.SanitizeDelta("```sql SELECT 1")
	out += c.Finalize()
	want := "Önce şunu bilin. "
	if out != want {
		t.Fatalf("unclosed fence output = %q, want %q", out, want)
	}
}
