package camera

import "regexp"

var (
	backLabelRe  = regexp.MustCompile(`(?i)\b(back|rear|environment)\b`)
	frontLabelRe = regexp.MustCompile(`(?i)\b(front|user|facetime|selfie)\b`)
)

// InferFacing はラベルからカメラの向きを推定する
func InferFacing(label string) Facing {
	switch {
	case backLabelRe.MatchString(label):
		return FacingBack
	case frontLabelRe.MatchString(label):
		return FacingFront
	default:
		return FacingUnknown
	}
}

// SelectPreferred は明示的な選択がない場合に使うデバイスを選ぶ
//
// ラベルが背面カメラ（back / rear / environment、大文字小文字を区別しない）に
// 一致する最初のデバイスを優先し、一致しない場合やラベルが無い場合は
// 最初に列挙されたデバイスを返す。devices が空の場合は false を返す。
func SelectPreferred(devices []Device) (DeviceID, bool) {
	if len(devices) == 0 {
		return "", false
	}
	for _, d := range devices {
		if backLabelRe.MatchString(d.Label) {
			return d.ID, true
		}
	}
	return devices[0].ID, true
}
