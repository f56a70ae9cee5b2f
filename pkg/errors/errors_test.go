package errors

import (
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestCodeCategory(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{ErrCodeConfigParse, "configuration"},
		{ErrCodeAuthFailed, "connection"},
		{ErrCodeExecSyntax, "execution"},
		{ErrCodeSourceWatch, "source"},
		{ErrCodeCatalogBuild, "catalog"},
		{ErrCodePanic, "internal"},
		{Code(3001), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if got := tt.code.Category(); got != tt.want {
				t.Errorf("Category() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	err := Wrapf(io.ErrUnexpectedEOF, ErrCodeSourceLoad, "reading %s", "schema.json").
		WithOp("JSONSource.Load").
		WithField("path", "schema.json").
		Err()

	if got := err.Error(); got != "E5001: reading schema.json: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
	if !Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause is not in the chain")
	}
	if !IsCode(err, ErrCodeSourceLoad) || !IsCategory(err, "source") {
		t.Errorf("code = %s", GetCode(err))
	}
	if GetFields(err)["path"] != "schema.json" {
		t.Errorf("fields = %v", GetFields(err))
	}

	outer := fmt.Errorf("starting: %w", err)
	if GetCode(outer) != ErrCodeSourceLoad {
		t.Errorf("wrapped code = %s", GetCode(outer))
	}
	if GetCode(io.EOF) != ErrCodeInternal {
		t.Errorf("uncoded error code = %s", GetCode(io.EOF))
	}
}

func TestFormatDetail(t *testing.T) {
	err := New(ErrCodeCatalogBuild, "populating").
		WithOp("Table.build").
		WithField("table", "pg_class").
		WithField("rows", 3).
		Err()

	if got := fmt.Sprintf("%v", err); got != "E7003: populating" {
		t.Errorf("%%v = %q", got)
	}
	detail := fmt.Sprintf("%+v", err)
	for _, want := range []string{"E7003: populating\n", "  op: Table.build\n", "  rows: 3\n  table: pg_class\n"} {
		if !strings.Contains(detail, want) {
			t.Errorf("%%+v missing %q:\n%s", want, detail)
		}
	}
	if strings.Contains(detail, "  at ") {
		t.Errorf("stack recorded without WithStack:\n%s", detail)
	}
}

func TestInternalRecordsStack(t *testing.T) {
	e := Internal("broken invariant").Build()
	if len(e.Stack) == 0 {
		t.Fatal("no stack recorded")
	}
	if fn := e.Stack[0].Function; !strings.HasSuffix(fn, "TestInternalRecordsStack") {
		t.Errorf("first frame = %s", fn)
	}
}

func panicWith(v interface{}) (err *Error) {
	defer func() {
		err = Recovered(recover())
	}()
	panic(v)
}

func TestRecovered(t *testing.T) {
	t.Run("plain value", func(t *testing.T) {
		err := panicWith("boom")
		if err.Code != ErrCodePanic || err.Message != "panic: boom" {
			t.Errorf("err = %v", err)
		}
		found := false
		for _, fr := range err.Stack {
			if strings.HasSuffix(fr.Function, "panicWith") {
				found = true
			}
		}
		if !found {
			t.Errorf("panicking function not in stack: %+v", err)
		}
	})

	t.Run("error value", func(t *testing.T) {
		err := panicWith(io.ErrClosedPipe)
		if err.Code != ErrCodePanic || !Is(err, io.ErrClosedPipe) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("internal error keeps its code", func(t *testing.T) {
		err := panicWith(Internal("unmapped column type").Build())
		if err.Code != ErrCodeInternal || err.Message != "unmapped column type" {
			t.Errorf("err = %v", err)
		}
	})
}
