package event

import "testing"

// TestTypeValid はイベント種別の判定を検証する。
func TestTypeValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		typ  Type
		want bool
	}{
		{name: "SettlementFailedは有効であること", typ: TypeSettlementFailed, want: true},
		{name: "CreditHoldExpiredは有効であること", typ: TypeCreditHoldExpired, want: true},
		{name: "CredentialRevokedは有効であること", typ: TypeCredentialRevoked, want: true},
		{name: "CreditsGrantedは有効であること", typ: TypeCreditsGranted, want: true},
		{name: "空文字は無効であること", typ: "", want: false},
		{name: "大文字小文字が違う場合は無効であること", typ: "settlementfailed", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.typ.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
