package display_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dimmit/dimmit/internal/ddc"
	"github.com/dimmit/dimmit/internal/display"
	"github.com/dimmit/dimmit/internal/display/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestDisplay_ReadVCP(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHandle := mocks.NewMockHandle(ctrl)

	tests := []struct {
		name          string
		setupMock     func()
		expected      ddc.VCPValue
		expectedError error
	}{
		{
			name: "successfully reads brightness",
			setupMock: func() {
				mockHandle.EXPECT().ReadVCP(gomock.Any(), ddc.FeatureBrightness).Return(ddc.NewVCPValue(100, 50), nil)
			},
			expected: ddc.NewVCPValue(100, 50),
		},
		{
			name: "protocol error is passed through",
			setupMock: func() {
				mockHandle.EXPECT().ReadVCP(gomock.Any(), ddc.FeatureBrightness).Return(ddc.VCPValue{}, ddc.ErrProtocol)
			},
			expectedError: ddc.ErrProtocol,
		},
		{
			name: "transport error is passed through",
			setupMock: func() {
				mockHandle.EXPECT().ReadVCP(gomock.Any(), ddc.FeatureBrightness).Return(ddc.VCPValue{}, ddc.ErrTransport)
			},
			expectedError: ddc.ErrTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock()
			d := display.NewDisplay(mockHandle, display.Ref{Path: "/dev/i2c-3"})

			value, err := d.ReadVCP(context.Background(), ddc.FeatureBrightness)

			if tt.expectedError != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, value)
			}
		})
	}
}

func TestDisplay_WriteVCP(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHandle := mocks.NewMockHandle(ctrl)

	tests := []struct {
		name          string
		value         uint16
		setupMock     func()
		expectedError bool
	}{
		{
			name:  "successfully writes brightness",
			value: 65,
			setupMock: func() {
				mockHandle.EXPECT().WriteVCP(gomock.Any(), ddc.FeatureBrightness, uint16(65)).Return(nil)
			},
		},
		{
			name:  "returns error when handle fails",
			value: 65,
			setupMock: func() {
				mockHandle.EXPECT().WriteVCP(gomock.Any(), ddc.FeatureBrightness, uint16(65)).Return(errors.New("bus error"))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock()
			d := display.NewDisplay(mockHandle, display.Ref{})

			err := d.WriteVCP(context.Background(), ddc.FeatureBrightness, tt.value)

			if tt.expectedError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDisplay_Ref(t *testing.T) {
	ref := display.Ref{Backend: "i2cdev", Path: "/dev/i2c-3"}
	d := display.NewDisplay(nil, ref)
	assert.Equal(t, ref, d.Ref())
}

func TestDisplay_AfterClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHandle := mocks.NewMockHandle(ctrl)
	mockHandle.EXPECT().Close().Return(nil)

	d := display.NewDisplay(mockHandle, display.Ref{})
	require.NoError(t, d.Close())

	_, err := d.ReadVCP(context.Background(), ddc.FeatureBrightness)
	assert.ErrorIs(t, err, display.ErrDisplayClosed)

	err = d.WriteVCP(context.Background(), ddc.FeatureBrightness, 10)
	assert.ErrorIs(t, err, display.ErrDisplayClosed)
}

func TestDisplay_Close_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockHandle := mocks.NewMockHandle(ctrl)
	mockHandle.EXPECT().Close().Return(nil).Times(1) // Only called once

	d := display.NewDisplay(mockHandle, display.Ref{})
	require.NoError(t, d.Close())

	// Second close should be no-op
	require.NoError(t, d.Close())
}

func TestDisplay_Close_NeverOpened(t *testing.T) {
	var nilDisplay *display.Display
	assert.NoError(t, nilDisplay.Close())

	empty := display.NewDisplay(nil, display.Ref{})
	assert.NoError(t, empty.Close())
	assert.NoError(t, empty.Close())

	_, err := empty.ReadVCP(context.Background(), ddc.FeatureBrightness)
	assert.ErrorIs(t, err, display.ErrDisplayClosed)
}
