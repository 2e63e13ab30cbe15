package runner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alexeyco/simpletable"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-migrate/internal/model"
	"github.com/rudderlabs/rudder-migrate/internal/progress"
	"github.com/rudderlabs/rudder-migrate/internal/workspace"
)

// printStatus renders the object statuses found in the status directory. It does not need a
// running migration and leaves the status directory as it is.
func printStatus(ctx context.Context, conf *config.Config, w io.Writer) error {
	ws, err := workspace.OpenFromConfig(conf)
	if err != nil {
		return err
	}
	objects, err := progress.NewReader(conf, logger.NOP, ws).ObjectStatuses(ctx)
	if errors.Is(err, progress.ErrNotReady) {
		_, err = fmt.Fprintln(w, "No migration status yet")
		return err
	}
	if err != nil {
		return err
	}

	table := simpletable.New()
	table.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "Type"},
			{Align: simpletable.AlignCenter, Text: "Object"},
			{Align: simpletable.AlignCenter, Text: "Status"},
			{Align: simpletable.AlignCenter, Text: "Progress"},
			{Align: simpletable.AlignCenter, Text: "Check"},
			{Align: simpletable.AlignCenter, Text: "Message"},
		},
	}
	for _, o := range objects {
		table.Body.Cells = append(table.Body.Cells, []*simpletable.Cell{
			{Align: simpletable.AlignLeft, Text: string(o.Type)},
			{Align: simpletable.AlignLeft, Text: o.Schema + "." + o.Name},
			{Align: simpletable.AlignLeft, Text: o.Status.String()},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%.0f%%", o.Percent*100)},
			{Align: simpletable.AlignLeft, Text: checkText(o.CheckStatus)},
			{Align: simpletable.AlignLeft, Text: message(o)},
		})
	}
	table.SetStyle(simpletable.StyleCompactLite)
	_, err = fmt.Fprintln(w, table.String())
	return err
}

func checkText(s model.CheckStatus) string {
	if s == model.CheckNone {
		return "-"
	}
	return string(s)
}

func message(o model.ObjectStatusEntry) string {
	switch {
	case o.Error != "":
		return o.Error
	case o.RepairFilePath != "":
		return o.CheckMessage + " (repair: " + o.RepairFilePath + ")"
	default:
		return o.CheckMessage
	}
}
