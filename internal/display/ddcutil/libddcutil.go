//go:build linux && cgo && ddcutil

// SPDX-License-Identifier: GPL-3.0-only

package ddcutil

/*
#cgo pkg-config: ddcutil
#include <stdlib.h>
#include <ddcutil_c_api.h>

static DDCA_Display_Info *info_at(DDCA_Display_Info_List *list, int i) {
	return &list->info[i];
}

static int info_busno(DDCA_Display_Info *info) {
	return info->path.io_mode == DDCA_IO_I2C ? info->path.path.i2c_busno : -1;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dimmit/dimmit/internal/ddc"
)

// cLibrary binds the backend to libddcutil.
type cLibrary struct {
	mu   sync.Mutex
	list *C.DDCA_Display_Info_List
}

func systemLibrary() library {
	return &cLibrary{}
}

func statusError(op string, rc C.DDCA_Status) error {
	return fmt.Errorf("%s: %s (%d)", op, C.GoString(C.ddca_rc_name(rc)), int(rc))
}

// displays lists valid displays. The previous list is released first; refs
// handed out from it stay valid because libddcutil owns display refs.
func (l *cLibrary) displays() ([]info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.list != nil {
		C.ddca_free_display_info_list(l.list)
		l.list = nil
	}

	var list *C.DDCA_Display_Info_List
	if rc := C.ddca_get_display_info_list2(C.bool(false), &list); rc != 0 {
		return nil, statusError("ddca_get_display_info_list2", rc)
	}
	l.list = list

	count := int(list.ct)
	infos := make([]info, 0, count)
	for i := 0; i < count; i++ {
		entry := C.info_at(list, C.int(i))
		path := ""
		if bus := int(C.info_busno(entry)); bus >= 0 {
			path = fmt.Sprintf("/dev/i2c-%d", bus)
		}
		infos = append(infos, info{
			model:       C.GoString(&entry.model_name[0]),
			mfg:         C.GoString(&entry.mfg_id[0]),
			productCode: uint16(entry.product_code),
			path:        path,
			ref:         entry.dref,
		})
	}
	return infos, nil
}

func (l *cLibrary) open(ref any) (conn, error) {
	dref, ok := ref.(C.DDCA_Display_Ref)
	if !ok || dref == nil {
		return nil, errors.New("invalid display reference")
	}

	var dh C.DDCA_Display_Handle
	if rc := C.ddca_open_display2(dref, C.bool(false), &dh); rc != 0 {
		return nil, statusError("ddca_open_display2", rc)
	}
	return &cConn{dh: dh}, nil
}

type cConn struct {
	dh C.DDCA_Display_Handle
}

func (c *cConn) getNonTableVCP(feature byte) (ddc.VCPValue, error) {
	var v C.DDCA_Non_Table_Vcp_Value
	if rc := C.ddca_get_non_table_vcp_value(c.dh, C.DDCA_Vcp_Feature_Code(feature), &v); rc != 0 {
		return ddc.VCPValue{}, statusError("ddca_get_non_table_vcp_value", rc)
	}
	return ddc.VCPValue{
		MaxHi: byte(v.mh),
		MaxLo: byte(v.ml),
		CurHi: byte(v.sh),
		CurLo: byte(v.sl),
	}, nil
}

func (c *cConn) setNonTableVCP(feature, hi, lo byte) error {
	if rc := C.ddca_set_non_table_vcp_value(c.dh, C.DDCA_Vcp_Feature_Code(feature), C.uint8_t(hi), C.uint8_t(lo)); rc != 0 {
		return statusError("ddca_set_non_table_vcp_value", rc)
	}
	return nil
}

func (c *cConn) close() error {
	if c.dh == nil {
		return nil
	}
	rc := C.ddca_close_display(c.dh)
	c.dh = nil
	if rc != 0 {
		return statusError("ddca_close_display", rc)
	}
	return nil
}
