package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// todoDefinition は認証なしの公開todoアプリの定義。
const todoDefinition = `meta:
  schema: v0.0.1
name: todo
collections:
  - name: todo
    fields:
      - name: subject
        type: string
      - name: done
        type: boolean
        optional: true
`

// diaryDefinition は認証必須の日記アプリの定義。
const diaryDefinition = `meta:
  schema: v0.0.1
name: diary
collections:
  - name: entry
    fields:
      - name: body
        type: string
    auth:
      read: authenticated
      write: authenticated
`

// ownerTodoDefinition はownerスコープ付きtodoアプリの定義。
const ownerTodoDefinition = `meta:
  schema: v0.0.1
name: teamtodo
collections:
  - name: todo
    fields:
      - name: subject
        type: string
    auth:
      read: authenticated
      write: authenticated
      scope: owner
`

// seedAppUser は__oct_userコレクションにアプリ内ユーザーを登録する。
func seedAppUser(t *testing.T, env *testEnv, handle, name, token string) string {
	t.Helper()

	sch, err := schema.Compile(todoDefinition)
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	col := sch.Collection(schema.UserCollection)

	rec, err := env.store.Create(context.Background(), handle, col, map[string]any{
		"name":  name,
		"email": name + "@example.com",
		"pass":  "secret",
		"token": token,
	}, "")
	if err != nil {
		t.Fatalf("failed to seed app user: %v", err)
	}
	return rec.ID
}

func TestAppStatus(t *testing.T) {
	env := newTestEnv(t)
	pending := env.registerApp(t, "pending-app", "")
	running := env.registerApp(t, "running-app", todoDefinition)

	t.Run("pending app", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/"+pending.Handle+"/__oct_status", "", nil)
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
		body := decodeJSON[map[string]string](t, w)
		if body["status"] != string(model.StatusPending) {
			t.Errorf("status = %q, want PENDING", body["status"])
		}
	})

	t.Run("running app", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/"+running.Handle+"/__oct_status", "", nil)
		body := decodeJSON[map[string]string](t, w)
		if body["status"] != string(model.StatusRunning) {
			t.Errorf("status = %q, want RUNNING", body["status"])
		}
	})

	t.Run("unknown app", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/zzzzz/__oct_status", "", nil)
		if w.Result().StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
		}
	})
}

func TestNotRunningApp_CollectionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	pending := env.registerApp(t, "pending-app", "")

	t.Run("pending returns 404", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/"+pending.Handle+"/todo/", "", nil)
		if w.Result().StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
		}
	})

	t.Run("error without schema returns 503", func(t *testing.T) {
		env.registry.Get(pending.Handle).MarkError()
		w := env.do(t, http.MethodGet, "/a/"+pending.Handle+"/todo/", "", nil)
		if w.Result().StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusServiceUnavailable)
		}
	})

	t.Run("error with previous schema keeps serving", func(t *testing.T) {
		sch, err := schema.Compile(todoDefinition)
		if err != nil {
			t.Fatalf("failed to compile: %v", err)
		}
		st := env.registry.Get(pending.Handle)
		st.Publish(sch)
		st.MarkError()

		w := env.do(t, http.MethodGet, "/a/"+pending.Handle+"/todo/", "", nil)
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
	})
}

// 公開todoアプリの一連のCRUD操作。
func TestPublicTodoCRUD(t *testing.T) {
	env := newTestEnv(t)
	app := env.registerApp(t, "todo", todoDefinition)
	base := "/a/" + app.Handle + "/todo/"

	// 作成
	w := env.do(t, http.MethodPost, base, "", map[string]any{"subject": "buy milk", "done": false})
	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Result().StatusCode, w.Body.String())
	}
	first := decodeJSON[map[string]any](t, w)
	if first["subject"] != "buy milk" {
		t.Errorf("subject = %v, want buy milk", first["subject"])
	}
	firstID, ok := first["id"].(string)
	if !ok || firstID == "" {
		t.Fatalf("created record has no id: %v", first)
	}

	w = env.do(t, http.MethodPost, base, "", map[string]any{"subject": "walk the dog", "done": true})
	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Result().StatusCode)
	}

	// 一覧（挿入順）
	w = env.do(t, http.MethodGet, base, "", nil)
	list := decodeJSON[[]map[string]any](t, w)
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0]["subject"] != "buy milk" || list[1]["subject"] != "walk the dog" {
		t.Errorf("list order mismatch: %v", list)
	}

	// フィールドの等価フィルタ
	w = env.do(t, http.MethodGet, base+"?done=true", "", nil)
	filtered := decodeJSON[[]map[string]any](t, w)
	if len(filtered) != 1 || filtered[0]["subject"] != "walk the dog" {
		t.Errorf("filter result mismatch: %v", filtered)
	}

	// 単一取得
	w = env.do(t, http.MethodGet, base+firstID, "", nil)
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d", w.Result().StatusCode)
	}
	got := decodeJSON[map[string]any](t, w)
	if got["id"] != firstID {
		t.Errorf("id = %v, want %s", got["id"], firstID)
	}

	// 部分更新
	w = env.do(t, http.MethodPut, base, "", map[string]any{"id": firstID, "done": true})
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", w.Result().StatusCode, w.Body.String())
	}
	updated := decodeJSON[map[string]any](t, w)
	if updated["done"] != true {
		t.Errorf("done = %v, want true", updated["done"])
	}
	if updated["subject"] != "buy milk" {
		t.Errorf("subject should be unchanged, got %v", updated["subject"])
	}

	// 削除
	w = env.do(t, http.MethodDelete, base, "", map[string]any{"id": firstID})
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Result().StatusCode)
	}
	deleted := decodeJSON[map[string]int](t, w)
	if deleted["deleted"] != 1 {
		t.Errorf("deleted = %d, want 1", deleted["deleted"])
	}

	w = env.do(t, http.MethodGet, base, "", nil)
	remaining := decodeJSON[[]map[string]any](t, w)
	if len(remaining) != 1 {
		t.Errorf("remaining = %d, want 1", len(remaining))
	}
}

func TestCollectionValidation(t *testing.T) {
	env := newTestEnv(t)
	app := env.registerApp(t, "todo", todoDefinition)
	base := "/a/" + app.Handle + "/todo/"

	t.Run("unknown field rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, base, "", map[string]any{"subject": "x", "bogus": 1})
		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
		}
		body := decodeJSON[apiErrorResponse](t, w)
		if body.Code != model.ErrCodeValidationFailed {
			t.Errorf("code = %q, want %q", body.Code, model.ErrCodeValidationFailed)
		}
	})

	t.Run("missing required field rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, base, "", map[string]any{"done": true})
		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("unknown filter field rejected", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base+"?bogus=1", "", nil)
		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("unknown collection returns 404", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/"+app.Handle+"/nothing/", "", nil)
		if w.Result().StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
		}
	})

	t.Run("reserved collection not reachable directly", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/"+app.Handle+"/__oct_user/", "", nil)
		if w.Result().StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
		}
	})
}

// 認証必須コレクションへのアクセス制御。
func TestAuthenticatedCollection(t *testing.T) {
	env := newTestEnv(t)
	app := env.registerApp(t, "diary", diaryDefinition)
	base := "/a/" + app.Handle + "/entry/"

	seedAppUser(t, env, app.Handle, "alice", "alice-token")

	t.Run("anonymous read rejected", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, "", nil)
		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})

	t.Run("anonymous write rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, base, "", map[string]any{"body": "dear diary"})
		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})

	t.Run("unmatched token degrades to anonymous and is rejected", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, "wrong-token", nil)
		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})

	t.Run("app user allowed", func(t *testing.T) {
		w := env.do(t, http.MethodPost, base, "alice-token", map[string]any{"body": "dear diary"})
		if w.Result().StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Result().StatusCode, w.Body.String())
		}
		w = env.do(t, http.MethodGet, base, "alice-token", nil)
		list := decodeJSON[[]map[string]any](t, w)
		if len(list) != 1 {
			t.Errorf("list length = %d, want 1", len(list))
		}
	})

	t.Run("admin token allowed", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, app.AdminToken, nil)
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
	})
}

// どのトークンにも一致しないトークンは匿名として扱われ、
// アクセス可否はコレクションのポリシーだけで決まる。
func TestUnmatchedTokenResolvesToAnonymous(t *testing.T) {
	env := newTestEnv(t)
	public := env.registerApp(t, "todo", todoDefinition)
	private := env.registerApp(t, "diary", diaryDefinition)

	w := env.do(t, http.MethodPost, "/a/"+public.Handle+"/todo/", "", map[string]any{"subject": "buy milk"})
	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Result().StatusCode, w.Body.String())
	}

	t.Run("public collection readable with stale token", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/"+public.Handle+"/todo/", "stale-or-unrelated-token", nil)
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
		list := decodeJSON[[]map[string]any](t, w)
		if len(list) != 1 {
			t.Errorf("list length = %d, want 1", len(list))
		}
	})

	t.Run("public collection writable with stale token", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/a/"+public.Handle+"/todo/", "stale-or-unrelated-token", map[string]any{"subject": "walk dog"})
		if w.Result().StatusCode != http.StatusCreated {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusCreated)
		}
	})

	t.Run("authenticated collection still rejects stale token", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/a/"+private.Handle+"/entry/", "stale-or-unrelated-token", nil)
		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})
}

// ownerスコープ付きコレクションの可視範囲。
func TestOwnerScopedCollection(t *testing.T) {
	env := newTestEnv(t)
	app := env.registerApp(t, "teamtodo", ownerTodoDefinition)
	base := "/a/" + app.Handle + "/todo/"

	seedAppUser(t, env, app.Handle, "alice", "alice-token")
	seedAppUser(t, env, app.Handle, "bob", "bob-token")

	// aliceが2件、bobが3件作成
	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, base, "alice-token", map[string]any{"subject": "alice task"})
		if w.Result().StatusCode != http.StatusCreated {
			t.Fatalf("create: status = %d", w.Result().StatusCode)
		}
	}
	var bobRecordID string
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, base, "bob-token", map[string]any{"subject": "bob task"})
		if w.Result().StatusCode != http.StatusCreated {
			t.Fatalf("create: status = %d", w.Result().StatusCode)
		}
		rec := decodeJSON[map[string]any](t, w)
		bobRecordID = rec["id"].(string)
	}

	t.Run("each user sees own records only", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, "alice-token", nil)
		aliceList := decodeJSON[[]map[string]any](t, w)
		if len(aliceList) != 2 {
			t.Errorf("alice sees %d records, want 2", len(aliceList))
		}

		w = env.do(t, http.MethodGet, base, "bob-token", nil)
		bobList := decodeJSON[[]map[string]any](t, w)
		if len(bobList) != 3 {
			t.Errorf("bob sees %d records, want 3", len(bobList))
		}
	})

	t.Run("admin sees the union", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, app.AdminToken, nil)
		all := decodeJSON[[]map[string]any](t, w)
		if len(all) != 5 {
			t.Errorf("admin sees %d records, want 5", len(all))
		}
	})

	t.Run("cross-user get is invisible", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base+bobRecordID, "alice-token", nil)
		if w.Result().StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
		}
	})

	t.Run("cross-user update is invisible", func(t *testing.T) {
		w := env.do(t, http.MethodPut, base, "alice-token",
			map[string]any{"id": bobRecordID, "subject": "hijacked"})
		if w.Result().StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
		}
	})

	t.Run("cross-user delete removes nothing", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, base, "alice-token", map[string]any{"id": bobRecordID})
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d", w.Result().StatusCode)
		}
		deleted := decodeJSON[map[string]int](t, w)
		if deleted["deleted"] != 0 {
			t.Errorf("deleted = %d, want 0", deleted["deleted"])
		}
	})
}

// /auth/user はアプリ管理者専用。
func TestAppUserEndpoints(t *testing.T) {
	env := newTestEnv(t)
	app := env.registerApp(t, "todo", todoDefinition)
	base := "/a/" + app.Handle + "/auth/user/"

	seedAppUser(t, env, app.Handle, "alice", "alice-token")

	t.Run("anonymous rejected", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, "", nil)
		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})

	t.Run("app user forbidden", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, "alice-token", nil)
		if w.Result().StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
		}
	})

	t.Run("admin lists users without credentials", func(t *testing.T) {
		w := env.do(t, http.MethodGet, base, app.AdminToken, nil)
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d", w.Result().StatusCode)
		}
		users := decodeJSON[[]map[string]any](t, w)
		if len(users) != 1 {
			t.Fatalf("users length = %d, want 1", len(users))
		}
		if users[0]["name"] != "alice" {
			t.Errorf("name = %v, want alice", users[0]["name"])
		}
		if _, ok := users[0]["pass"]; ok {
			t.Error("pass must not be exposed")
		}
		if _, ok := users[0]["token"]; ok {
			t.Error("token must not be exposed")
		}
	})

	t.Run("admin creates a user", func(t *testing.T) {
		w := env.do(t, http.MethodPost, base, app.AdminToken, map[string]any{
			"name":  "bob",
			"email": "bob@example.com",
			"pass":  "secret",
			"token": "bob-token",
		})
		if w.Result().StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Result().StatusCode, w.Body.String())
		}

		// 新しいユーザーのトークンで認証できる
		listw := env.do(t, http.MethodGet, "/a/"+app.Handle+"/todo/", "bob-token", nil)
		if listw.Result().StatusCode != http.StatusOK {
			t.Errorf("new user token should authenticate: status = %d", listw.Result().StatusCode)
		}
	})

	t.Run("create without token rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, base, app.AdminToken, map[string]any{"name": "carol"})
		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
		}
	})
}

// アプリ間のデータ分離。
func TestAppIsolation(t *testing.T) {
	env := newTestEnv(t)
	app1 := env.registerApp(t, "todo1", todoDefinition)
	app2 := env.registerApp(t, "todo2", todoDefinition)

	w := env.do(t, http.MethodPost, "/a/"+app1.Handle+"/todo/", "", map[string]any{"subject": "only in app1"})
	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Result().StatusCode)
	}

	w = env.do(t, http.MethodGet, "/a/"+app2.Handle+"/todo/", "", nil)
	list := decodeJSON[[]map[string]any](t, w)
	if len(list) != 0 {
		t.Errorf("app2 should have no records, got %d", len(list))
	}

	// app1の管理者トークンはapp2では無効
	w = env.do(t, http.MethodGet, "/a/"+app2.Handle+"/auth/user/", app1.AdminToken, nil)
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}
