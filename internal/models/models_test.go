package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestFeedMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(FeedMessage{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "PublicID", "uniqueIndex")
	assertGormTag(t, typ, "PublicID", "size:36")
	assertGormTag(t, typ, "FeedID", "not null")
	assertGormTag(t, typ, "FeedID", "index:idx_feed_created,priority:1")
	assertGormTag(t, typ, "CreatedAt", "index:idx_feed_created,priority:2")
	assertGormTag(t, typ, "Nonce", "index")
	assertGormTag(t, typ, "FeedID", "uniqueIndex:idx_feed_author_nonce,priority:1")
	assertGormTag(t, typ, "AuthorKey", "uniqueIndex:idx_feed_author_nonce,priority:2")
	assertGormTag(t, typ, "NonceKey", "uniqueIndex:idx_feed_author_nonce,priority:3")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "Kind", "default:chat")
	assertGormTag(t, typ, "ReactionCount", "default:0")

	assertFieldType(t, typ, "CreatedAt", "time.Time")
	assertFieldType(t, typ, "AuthorVerified", "bool")
	assertFieldType(t, typ, "ReactionCount", "int")
	assertFieldType(t, typ, "NonceKey", "*string")
}

func TestTopic_Fields(t *testing.T) {
	typ := reflect.TypeOf(Topic{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "PublicID", "uniqueIndex")
	assertGormTag(t, typ, "Title", "size:256")
	assertGormTag(t, typ, "Title", "not null")
	assertGormTag(t, typ, "FeedID", "index")
	assertGormTag(t, typ, "CreatedAt", "index")

	assertFieldType(t, typ, "CreatedAt", "time.Time")
}
