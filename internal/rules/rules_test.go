package rules

import "testing"

func TestApply(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"elision", "j' ai fini et c' est bon", "J'ai fini et c'est bon."},
		{"elision typographic", "l’ école", "L’école."},
		{"fillers", "euh je pense que du coup on va y aller", "Je pense que on va y aller."},
		{"phrase before prefix", "disons que c'est prêt", "C'est prêt."},
		{"bon ben", "bon ben on y va", "On y va."},
		{"shorter filler after failed phrase", "eh bienvenue à tous", "Bienvenue à tous."},
		{"disons without que", "disons quelque chose", "Quelque chose."},
		{"accented filler", "voilà, c'est fini", "C'est fini."},
		{"elongated filler", "euhhh heuuu bref la réunion", "La réunion."},
		{"filler inside word kept", "pourquoi les genres", "Pourquoi les genres."},
		{"only fillers", "euh hein", ""},
		{"punctuation", "Attends... vraiment?? Non!!", "Attends… vraiment? Non!"},
		{"double marks", "Bonjour,, ça va::", "Bonjour, ça va:"},
		{"double dot", "il a dit.. non", "Il a dit. non."},
		{"missing spacing", "Bonjour.Comment ça va", "Bonjour. Comment ça va."},
		{"accented after stop", "Fini.À demain", "Fini. À demain."},
		{"stutter", "je je pense pense que", "Je pense que."},
		{"stutter case", "le Le chat", "Le chat."},
		{"whitespace", "   trop    d'espaces   ", "Trop d'espaces."},
		{"keeps terminal", "c'est vrai ?", "C'est vrai ?"},
		{"dangling comma", "bonjour, euh", "Bonjour."},
		{"ellipsis terminal", "on verra…", "On verra…"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Apply(tc.in); got != tc.want {
				t.Fatalf("Apply(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestApplyIdempotent(t *testing.T) {
	inputs := []string{
		"euh je je pense.que du coup,, c' est bon!!!",
		"bon ben... voilà voilà",
		"hein?? quoi quoi",
		"Le le chat.Le chien",
		"j' j' ai",
		"a",
		"...",
		"pfff, en fait, tu vois, ouais bon",
	}
	for _, in := range inputs {
		once := Apply(in)
		if twice := Apply(once); twice != once {
			t.Fatalf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestWordCount(t *testing.T) {
	if got := WordCount("  un deux\ttrois \n quatre "); got != 4 {
		t.Fatalf("expected 4 words, got %d", got)
	}
	if got := WordCount(""); got != 0 {
		t.Fatalf("expected 0 words, got %d", got)
	}
}

func BenchmarkApply(b *testing.B) {
	text := "euh alors du coup j' ai regardé le le dossier.Il faut, genre, revoir les chiffres... bref on en reparle demain"
	for i := 0; i < b.N; i++ {
		Apply(text)
	}
}
