package resolver

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// replyClass is the coarse shape of a user message.
type replyClass int

const (
	classLong replyClass = iota
	classShort
	classAffirmative
	classNegative
	classBareValue
)

// closed reports whether the class belongs to the closed set of replies that
// carry no meaning without a question.
func (c replyClass) closed() bool {
	return c == classAffirmative || c == classNegative || c == classBareValue
}

var affirmatives = map[string]struct{}{
	"si": {}, "sí": {}, "sii": {}, "dale": {}, "ok": {}, "okay": {}, "okey": {},
	"confirmo": {}, "confirmado": {}, "de una": {}, "claro": {}, "obvio": {},
	"yes": {}, "va": {}, "perfecto": {}, "si dale": {}, "sí dale": {}, "si, dale": {}, "sí, dale": {},
}

var negatives = map[string]struct{}{
	"no": {}, "nop": {}, "nope": {}, "cancela": {}, "cancelá": {}, "cancelar": {},
	"mejor no": {}, "no gracias": {}, "no, gracias": {}, "dejalo": {}, "dejá": {},
}

// requestCues are words that make a short reply read as a new request
// rather than a slot value ("ver mis gastos", "borrá el último").
var requestCues = map[string]struct{}{
	"ver": {}, "mostrame": {}, "mostrar": {}, "muestra": {}, "listar": {}, "listame": {},
	"borrá": {}, "borra": {}, "borrar": {}, "eliminá": {}, "elimina": {}, "eliminar": {},
	"agregá": {}, "agrega": {}, "agregar": {}, "anotá": {}, "anota": {}, "anotar": {},
	"registrá": {}, "registra": {}, "registrar": {}, "modificá": {}, "modificar": {}, "cambiá": {}, "cambiar": {},
	"consultar": {}, "consultá": {}, "recordame": {}, "recordá": {}, "avisame": {},
	"gasté": {}, "gaste": {}, "pagué": {}, "pague": {}, "compré": {}, "compre": {},
	"quiero": {}, "necesito": {}, "cuánto": {}, "cuanto": {}, "cuántos": {}, "cuantos": {},
	"reporte": {}, "resumen": {}, "menú": {}, "menu": {}, "ayuda": {},
}

// hasRequestCue reports whether any word of text is a request cue.
func hasRequestCue(text string, extra map[string]struct{}) bool {
	for _, w := range strings.Fields(canonical(text)) {
		w = strings.Trim(w, ",;:")
		if _, ok := requestCues[w]; ok {
			return true
		}
		if _, ok := extra[w]; ok {
			return true
		}
	}
	return false
}

var bareValuePattern = regexp.MustCompile(`^\$?\s*\d+([.,]\d+)*$`)

// sanitize normalises the text to NFKC, trims it and truncates it to max runes.
func sanitize(text string, max int) (string, bool) {
	out := strings.TrimSpace(norm.NFKC.String(text))
	if max <= 0 || utf8.RuneCountInString(out) <= max {
		return out, false
	}
	runes := []rune(out)
	return strings.TrimSpace(string(runes[:max])), true
}

// canonical lowercases and strips surrounding punctuation for closed-set lookups.
func canonical(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Trim(s, "!¡.?¿ ")
	return strings.Join(strings.Fields(s), " ")
}

func classify(text string, maxWords, maxRunes int) replyClass {
	c := canonical(text)
	if _, ok := affirmatives[c]; ok {
		return classAffirmative
	}
	if _, ok := negatives[c]; ok {
		return classNegative
	}
	if bareValuePattern.MatchString(c) {
		return classBareValue
	}
	if c != "" && len(strings.Fields(c)) <= maxWords && utf8.RuneCountInString(c) <= maxRunes {
		return classShort
	}
	return classLong
}
