package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/canboot/internal/board"
	"github.com/bigbag/canboot/internal/bootloader"
	"github.com/bigbag/canboot/internal/config"
	"github.com/bigbag/canboot/internal/detect"
	"github.com/bigbag/canboot/internal/firmware"
	"github.com/bigbag/canboot/internal/flasher"
	"github.com/bigbag/canboot/internal/memory"
	"github.com/bigbag/canboot/internal/protocol"
	"github.com/bigbag/canboot/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath   string
	entryPinFlag bool
	verifyFlag   bool
	addressFlag  uint32

	cfg *config.Config
	log *logrus.Logger
)

func main() {
	defaults, err := config.Default()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var flags *config.Flags

	rootCmd := &cobra.Command{
		Use:   "canboot",
		Short: "CAN bootloader for S32K microcontrollers",
		Long: `canboot runs the bootloader core on an emulated S32K board, talking CAN
through an SLCAN adapter, a SocketCAN interface or an in-process loopback.

Defaults are embedded; a YAML file given with --config, command line flags
and CANBOOT_* environment variables override them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			config.ApplyEnv(fs, config.EnvPrefix)

			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags.Apply(fs, c)
			if err := c.Validate(); err != nil {
				return err
			}
			l, err := c.NewLogger()
			if err != nil {
				return err
			}
			cfg, log = c, l
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (embedded defaults if not specified)")
	flags = config.BindFlags(rootCmd.PersistentFlags(), defaults)

	// Run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bootloader on the emulated board",
		Long: `Run the bootloader state machine on the emulated board. Flash contents are
loaded from and saved back to the flash image file.

The bootloader listens for a programming request during the backdoor window,
then starts the installed application if it is valid.`,
		RunE: runBootloader,
	}
	runCmd.Flags().BoolVar(&entryPinFlag, "entry-pin", false, "Hold the entry pin active (stay in the bootloader)")

	// Provision command
	provisionCmd := &cobra.Command{
		Use:   "provision <application.bin>",
		Short: "Program an application into the emulated board",
		Long: `Program an application image into the application region of the emulated
board's flash image, verifying every block and the final checksum.`,
		Args: cobra.ExactArgs(1),
		RunE: runProvision,
	}
	provisionCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify the checksum after flashing")
	provisionCmd.Flags().Uint32Var(&addressFlag, "address", 0, "Load address (application start if not specified)")

	// Regions command
	regionsCmd := &cobra.Command{
		Use:   "regions",
		Short: "Show the flash layout of the board profile",
		RunE:  runRegions,
	}

	// Detect command
	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect SLCAN adapters",
		Long:  "Probe serial ports for SLCAN adapters and show their firmware version.",
		RunE:  runDetect,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("canboot %s\n", version)
			fmt.Printf("  commit:   %s\n", commit)
			fmt.Printf("  built:    %s\n", date)
			fmt.Printf("  protocol: %d.%d.%d\n", protocol.VersionMajor, protocol.VersionMinor, protocol.VersionPatch)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(runCmd, provisionCmd, regionsCmd, detectCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBootloader(cmd *cobra.Command, args []string) error {
	dev := board.New()
	if err := dev.LoadFile(cfg.Flash.Image); err != nil {
		return err
	}
	dev.SetEntryPin(entryPinFlag)

	tr, closeTransport, err := openTransport(cfg.CAN.RequestID)
	if err != nil {
		return err
	}
	defer closeTransport()

	opts, err := cfg.BootloaderOptions(log)
	if err != nil {
		return err
	}
	bl, err := bootloader.New(dev, tr, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runErr := bl.Run(ctx)
	if err := dev.SaveFile(cfg.Flash.Image); err != nil {
		log.WithError(err).Error("Failed to save flash image")
	}
	printState(bl.State(), dev)

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func runProvision(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read application file: %w", err)
	}
	fmt.Printf("Application: %s (%d bytes)\n", args[0], len(image))

	profile, err := cfg.BoardProfile()
	if err != nil {
		return err
	}
	policy, err := firmware.ParsePolicy(cfg.Checksum)
	if err != nil {
		return err
	}

	dev := board.New()
	if err := dev.LoadFile(cfg.Flash.Image); err != nil {
		return err
	}
	mem, err := memory.NewManager(dev, profile.Layout)
	if err != nil {
		return err
	}
	validator := firmware.NewValidator(profile.RAM, policy)

	address := addressFlag
	if address == 0 {
		address = mem.Application().Start
	}

	f := flasher.New(mem, validator)
	bar := progressbar.NewOptions(flasher.Blocks(len(image)),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	fmt.Printf("Flashing application at 0x%X (%d bytes)...\n", address, len(image))
	sum, err := f.FlashImage(image, address, verifyFlag)
	if err != nil {
		return err
	}
	bar.Finish()

	if err := dev.SaveFile(cfg.Flash.Image); err != nil {
		return err
	}
	fmt.Printf("\nFlash complete! Saved to %s\n", cfg.Flash.Image)
	fmt.Printf("Checksum (%s): 0x%08X over %d bytes\n", policy, sum, (len(image)+memory.WordSize-1)/memory.WordSize*memory.WordSize)

	if err := validator.CheckApplication(mem); err != nil {
		color.Yellow("Image will not start: %v", err)
		return nil
	}
	color.Green("Application is valid")
	return nil
}

func printState(state bootloader.State, dev *board.Board) {
	switch state {
	case bootloader.StateUserProgramActive:
		jumps := dev.Jumps()
		if len(jumps) > 0 {
			color.Green("Application started at 0x%08X", jumps[len(jumps)-1])
			return
		}
		color.Green("Application started")
	case bootloader.StateError:
		color.Red("Bootloader stopped in state %s", state)
	default:
		color.Yellow("Bootloader stopped in state %s", state)
	}
}

func runRegions(cmd *cobra.Command, args []string) error {
	profile, err := cfg.BoardProfile()
	if err != nil {
		return err
	}
	mem, err := memory.NewManager(board.NewFlash(), profile.Layout)
	if err != nil {
		return err
	}

	fmt.Printf("Profile %s:\n", profile.Name)
	for _, r := range mem.Regions() {
		fmt.Printf("  %s\n", r)
	}
	fmt.Printf("  ram [0x%08X, 0x%08X)\n", profile.RAM.Start, uint64(profile.RAM.Start)+uint64(profile.RAM.Size))
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	if cfg.CAN.Port != "" {
		// Check specific port
		result, err := detect.DetectOnPort(cfg.CAN.Port, cfg.CAN.Baud)
		if err != nil {
			return fmt.Errorf("failed to detect adapter on %s: %w", cfg.CAN.Port, err)
		}
		printAdapter(result)
		return nil
	}

	fmt.Println("Scanning for SLCAN adapters...")
	devices, err := detect.ListDevices(cfg.CAN.Baud)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No SLCAN adapters found")
		return nil
	}

	fmt.Printf("Found %d adapter(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Adapter %d:\n", i+1)
		printAdapter(&d)
		fmt.Println()
	}
	return nil
}

func printAdapter(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Version:  %s\n", d.Version)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
