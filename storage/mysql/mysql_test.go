package mysql

import (
	"os"
	"testing"

	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("WFZEN_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("WFZEN_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	test.TestStorage(t, func() storage.Storage { return s })
}

func TestTableName(t *testing.T) {
	have, err := tableName(storage.KindPurchaseOrder)
	if err != nil {
		t.Fatal(err)
	}
	if want := "wfz_purchase_order"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
	if _, err = tableName("appState"); err == nil {
		t.Error("expected error for non-kind table")
	}
}
