package identity

import (
	"reflect"
	"testing"
)

func TestQuerySignature_CaseInsensitive(t *testing.T) {
	a := QuerySignature("Maule", "Inmuebles", "Casa")
	b := QuerySignature("maule", "inmuebles", "casa")
	if a != b {
		t.Fatalf("expected equal signatures, got %s and %s", a, b)
	}
	if len(a) != 40 {
		t.Fatalf("expected sha1 hex, got %q", a)
	}
	if a == QuerySignature("maule", "inmuebles", "") {
		t.Fatalf("search term must change the signature")
	}
}

func TestFold(t *testing.T) {
	if got := Fold("Constitución ÑUÑOA"); got != "constitucion nunoa" {
		t.Fatalf("unexpected fold %q", got)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Departamento  Talca!": "departamento-talca",
		"  Región del Maule ":  "region-del-maule",
		"casa--con---patio":    "casa-con-patio",
		"":                     "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenSet_OrderIndependent(t *testing.T) {
	a := TokenSet("Talca centro", "casa")
	b := TokenSet("casa", "centro TALCA")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected equal token sets, got %v and %v", a, b)
	}
	if !reflect.DeepEqual(a, []string{"casa", "centro", "talca"}) {
		t.Fatalf("unexpected tokens %v", a)
	}
}

func TestContentID_DependsOnPage(t *testing.T) {
	if ContentID("Casa", "Talca", "$1", 1) == ContentID("Casa", "Talca", "$1", 2) {
		t.Fatalf("expected page number to be part of the content id")
	}
}
