package laxjson

import "testing"

func TestParse_UnquotedKeys(t *testing.T) {
	t.Parallel()

	v, err := Parse(`{todos:[{content:"scaffold app",status:"in_progress",activeForm:"Scaffolding app"}]}`)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	obj, ok := v.(map[string]Value)
	if !ok {
		t.Fatalf("expected top-level object, got %T", v)
	}
	arr, ok := obj["todos"].([]Value)
	if !ok || len(arr) != 1 {
		t.Fatalf("expected one-element todos array, got %#v", obj["todos"])
	}
	item, ok := arr[0].(map[string]Value)
	if !ok {
		t.Fatalf("expected todo object, got %T", arr[0])
	}
	if item["content"] != "scaffold app" {
		t.Fatalf("content got=%v want=scaffold app", item["content"])
	}
	if item["status"] != "in_progress" {
		t.Fatalf("status got=%v want=in_progress", item["status"])
	}
}

func TestParse_MixedQuotedAndBareKeys(t *testing.T) {
	t.Parallel()

	v, err := Parse(`{"a":1, b:2, 'c':3}`)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	obj := v.(map[string]Value)
	for _, k := range []string{"a", "b", "c"} {
		if _, ok := obj[k]; !ok {
			t.Fatalf("missing key %q in %#v", k, obj)
		}
	}
}

func TestParse_NestedArraysAndNumbers(t *testing.T) {
	t.Parallel()

	v, err := Parse(`{nums:[1, -2.5, 3e2], nested:{x:true,y:null}}`)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	obj := v.(map[string]Value)
	nums := obj["nums"].([]Value)
	if len(nums) != 3 {
		t.Fatalf("expected 3 numbers, got %d", len(nums))
	}
	if nums[1].(float64) != -2.5 {
		t.Fatalf("nums[1] got=%v want=-2.5", nums[1])
	}
}

func TestParse_RejectsMalformedInput(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{todos:[}`,
		`{todos:[{content:}]}`,
		`not even an object`,
		``,
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("expected parse error for input %q", c)
		}
	}
}

func TestFindBalancedCall_IgnoresParensInsideStrings(t *testing.T) {
	t.Parallel()

	text := `Sure, here is the plan. TodoWrite({todos:[{content:"handle (nested) parens",status:"pending"}]}) done.`
	call, ok := FindBalancedCall(text, "TodoWrite")
	if !ok {
		t.Fatalf("expected to find balanced TodoWrite call")
	}
	want := `TodoWrite({todos:[{content:"handle (nested) parens",status:"pending"}]})`
	if call != want {
		t.Fatalf("FindBalancedCall got=%q want=%q", call, want)
	}
}

func TestFindBalancedCall_NoMatch(t *testing.T) {
	t.Parallel()

	if _, ok := FindBalancedCall("nothing to see here", "TodoWrite"); ok {
		t.Fatalf("expected no match")
	}
}
