package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋除 Checksum 本身以外的所有欄位，包含 Timestamp：
// 重放只讀取事件，不會重新產生時間戳
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	for _, field := range []string{
		string(e.Type),
		e.RunID.String(),
		e.Phase,
		e.JobID,
		strconv.Itoa(int(e.Index)),
		strconv.Itoa(e.Count),
		e.Detail,
		strconv.FormatInt(e.Timestamp, 10),
	} {
		b.WriteByte('|')
		b.WriteString(field)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
