package model

// MaxPage は一覧で指定できるページ番号の上限。
// OFFSETの計算が溢れないよう、これを超える指定は検証エラーにする。
const MaxPage = 100000

// NormalizePage は1未満のページ番号を1に丸める。
// 上限を超える場合はokにfalseを返す。
func NormalizePage(page int) (normalized int, ok bool) {
	if page < 1 {
		return 1, true
	}
	if page > MaxPage {
		return 0, false
	}
	return page, true
}

// PageMessage はページ番号が上限を超えたときの検証メッセージ。
const PageMessage = "ページ番号は1〜100000で指定してください"
