package usage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// 匯出格式.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{"user_id", "email", "date", "model", "tokens", "cost", "requests"}

// WriteCSV 以每日彙總的模型明細輸出 CSV，每列一個使用者、日期與模型
func WriteCSV(w io.Writer, exports []UserExport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, u := range exports {
		for _, day := range u.Daily {
			for _, m := range day.Models {
				row := []string{
					u.UserID,
					u.Email,
					day.Key,
					m.Model,
					strconv.FormatInt(m.Tokens, 10),
					strconv.FormatFloat(m.Cost, 'f', CostPrecision, 64),
					strconv.FormatInt(m.Requests, 10),
				}
				if err := cw.Write(row); err != nil {
					return fmt.Errorf("failed to write csv row: %w", err)
				}
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
