package session

// WelcomeNote returns the title and body of the note seeded into a new vault
// for the given language ("en" or "ja"). Unknown languages get English.
func WelcomeNote(lang string) (title, content string) {
	if lang == "ja" {
		return welcomeTitleJA, welcomeBodyJA
	}
	return welcomeTitleEN, welcomeBodyEN
}

const welcomeTitleEN = "Welcome to Knot"

const welcomeBodyEN = `Knot keeps your notes encrypted on this machine. Only your password (or your recovery key) can open them.

## Getting around

- List notes: ` + "`knot note list`" + `
- New note: ` + "`knot note new \"Title\"`" + `
- Search: ` + "`knot search <words>`" + `
- Lock now: ` + "`lock`" + ` inside ` + "`knot shell`" + `

## Links between notes

Write ` + "`[[Note title]]`" + ` to link another note. Following a link to a title that does not exist yet creates that note.

## Pins and tags

Pinned notes stay at the top of the list. Tags group related notes and can be filtered with patterns such as ` + "`work/*`" + `.

## Auto-lock

Knot locks itself after a few idle minutes. Change the delay with ` + "`knot settings set auto_lock_minutes <n>`" + `; 0 turns it off.

## Security

- Notes are sealed with XChaCha20-Poly1305.
- Keys are derived from your password with Argon2id.
- Nothing is written to disk in plain text.

Feel free to edit or delete this note.`

const welcomeTitleJA = "Knot へようこそ"

const welcomeBodyJA = `Knot はノートをこのマシン上で暗号化して保存します。ノートを開けるのはパスワード（またはリカバリーキー）だけです。

## 基本操作

- ノート一覧: ` + "`knot note list`" + `
- 新規ノート: ` + "`knot note new \"タイトル\"`" + `
- 検索: ` + "`knot search <キーワード>`" + `
- すぐにロック: ` + "`knot shell`" + ` の中で ` + "`lock`" + `

## ノートリンク

` + "`[[ノート名]]`" + ` と書くと他のノートへのリンクになります。存在しないノート名のリンクをたどると、そのノートが新しく作成されます。

## ピンとタグ

ピン留めしたノートは一覧の先頭に表示されます。タグで関連するノートをまとめ、` + "`work/*`" + ` のようなパターンで絞り込めます。

## 自動ロック

一定時間操作がないと Knot は自動でロックされます。時間は ` + "`knot settings set auto_lock_minutes <分>`" + ` で変更でき、0 で無効になります。

## セキュリティ

- ノートは XChaCha20-Poly1305 で暗号化されます
- 鍵はパスワードから Argon2id で導出されます
- 平文がディスクに書き込まれることはありません

このノートは自由に編集・削除できます。`
