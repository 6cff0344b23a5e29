package main

import "errors"

// 錯誤分類:
//   - 配置錯誤: 啟動前回報，伺服器不啟動
//   - 傳輸錯誤: 記錄後丟棄該連線，伺服器繼續運行
//   - 訊框/PDU 錯誤: 丟棄該訊框，連線視情況關閉
//   - 協議異常: 轉換為 Modbus 異常回應，不視為本地故障
var (
	ErrOutOfRange    = errors.New("位址超出表格範圍")
	ErrInvalidCount  = errors.New("無效的數量")
	ErrMalformedPDU  = errors.New("PDU 格式錯誤")
	ErrFrameCorrupt  = errors.New("訊框損毀")
	ErrSlaveNotFound = errors.New("找不到對應的 Slave")
	ErrServerClosed  = errors.New("伺服器已關閉")
)

// ProtocolError Modbus 協議異常
// 在派送過程中產生，由引擎轉換為異常回應送回線上
type ProtocolError struct {
	Function  uint8
	Exception uint8
}

func (e *ProtocolError) Error() string {
	switch e.Exception {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	default:
		return "未知協議異常"
	}
}

// newProtocolError 建立協議異常
func newProtocolError(function, exception uint8) *ProtocolError {
	return &ProtocolError{Function: function, Exception: exception}
}

// exceptionFor 將資料模型錯誤對應到 Modbus 異常碼
func exceptionFor(err error) uint8 {
	switch {
	case errors.Is(err, ErrOutOfRange):
		return ExceptionCodeIllegalDataAddress
	case errors.Is(err, ErrInvalidCount):
		return ExceptionCodeIllegalDataValue
	default:
		return ExceptionCodeSlaveDeviceFailure
	}
}
