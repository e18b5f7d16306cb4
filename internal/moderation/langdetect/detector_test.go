package langdetect

import (
	"sync"
	"testing"

	"github.com/abadojack/whatlanggo"
	"github.com/stretchr/testify/assert"

	"modguard/internal/moderation"
)

func TestDetect(t *testing.T) {
	d := New(0)
	cases := []struct {
		name, text, want string
	}{
		{"english", "this is the best thing that you have ever made and everyone in the channel agrees with me", "en"},
		{"spanish", "no sé qué está pasando con el servidor pero es muy raro que nadie haya dicho nada todavía", "es"},
		{"russian", "я не знаю что это такое но мы обязательно попробуем разобраться с этим сегодня вечером", "ru"},
		{"german", "ich bin mir nicht sicher aber das ist wirklich sehr gut und wir sind heute alle hier", "de"},
		{"japanese", "こんにちは世界、今日はいい天気ですね", "ja"},
		{"chinese", "你好世界今天天气很好", "zh"},
		{"korean", "안녕하세요 여러분 오늘 만나서 정말 반갑습니다", "ko"},
		{"too short", "hi there", moderation.UnknownLanguage},
		{"empty", "", moderation.UnknownLanguage},
		{"digits only", "1234 5678 !!!", moderation.UnknownLanguage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, d.Detect(tc.text))
		})
	}
}

func TestDetectMinWords(t *testing.T) {
	const text = "what are you doing with the thing that you have there"
	assert.Equal(t, moderation.UnknownLanguage, New(20).Detect(text))
	assert.Equal(t, "en", New(3).Detect(text))
}

func TestDetectLowConfidenceIsUnknown(t *testing.T) {
	d := New(1)
	d.minConfidence = 1.01
	assert.Equal(t, moderation.UnknownLanguage, d.Detect("this is the best thing that you have ever made and everyone agrees"))
}

func TestISO6391(t *testing.T) {
	assert.Equal(t, "en", iso6391(whatlanggo.Eng))
	assert.Equal(t, "zh", iso6391(whatlanggo.Cmn))
	assert.Equal(t, "ja", iso6391(whatlanggo.Jpn))
}

func TestDetectConcurrent(t *testing.T) {
	d := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, "en", d.Detect("what is the thing that you are doing there with all of those people"))
			}
		}()
	}
	wg.Wait()
}

func TestDetectorDrivesLanguagePolicy(t *testing.T) {
	p := moderation.GuildPolicy{ChannelLanguages: map[int64]string{7: "en"}}
	s, ok := moderation.EvaluateLanguage(7, "no sé qué está pasando con el servidor pero es muy raro que nadie haya dicho nada", p, New(0))
	assert.True(t, ok)
	assert.Equal(t, "language_violation", s.Category)

	_, ok = moderation.EvaluateLanguage(7, "ok", p, New(0))
	assert.False(t, ok)
}
